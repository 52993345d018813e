package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	donationdomain "github.com/smallbiznis/careledger/internal/donation/domain"
)

type recordFiatDonationRequest struct {
	DonorID       string `json:"donorId"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	PaymentMethod string `json:"paymentMethod"`
	ExternalTxID  string `json:"externalTxId"`
	PatientID     string `json:"patientId"`
	IsAnonymous   bool   `json:"isAnonymous"`
}

type donationResponse struct {
	Donation donationdomain.Donation `json:"donation"`
	Created  bool                    `json:"created"`
}

// RecordFiatDonation stores a pending donation. Repeating an externalTxId
// returns the stored donation with 200 instead of 201.
func (s *Server) RecordFiatDonation(c *gin.Context) {
	var req recordFiatDonationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	donation, created, err := s.donationSvc.Record(c.Request.Context(), donationdomain.RecordRequest{
		DonorID:       req.DonorID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		PaymentMethod: req.PaymentMethod,
		ExternalTxID:  req.ExternalTxID,
		PatientID:     req.PatientID,
		IsAnonymous:   req.IsAnonymous,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, donationResponse{Donation: donation, Created: created})
}

func (s *Server) GetDonation(c *gin.Context) {
	id, err := parsePathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	donation, err := s.donationSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": donation})
}

func (s *Server) VerifyDonation(c *gin.Context) {
	id, err := parsePathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	verification, err := s.donationSvc.Verify(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": verification})
}

func (s *Server) GetDonationReceipt(c *gin.Context) {
	id, err := parsePathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	doc, err := s.receiptSvc.ForDonation(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Header("Content-Disposition", `inline; filename="receipt-`+id.String()+`.pdf"`)
	c.Header("Content-Length", strconv.Itoa(len(doc)))
	c.Data(http.StatusOK, "application/pdf", doc)
}

func (s *Server) ListDonorDonations(c *gin.Context) {
	donorID, err := parsePathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	limit, err := parseLimit(c, defaultListLimit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	donations, err := s.donationSvc.ListByDonor(c.Request.Context(), donorID, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if donations == nil {
		donations = []donationdomain.Donation{}
	}
	c.JSON(http.StatusOK, gin.H{"data": donations})
}
