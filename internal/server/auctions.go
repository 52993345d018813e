package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	auctiondomain "github.com/smallbiznis/careledger/internal/auction/domain"
)

type createAuctionRequest struct {
	SellerID        string `json:"sellerId"`
	ItemName        string `json:"itemName"`
	Description     string `json:"description"`
	ImageURL        string `json:"imageUrl"`
	TokenURI        string `json:"tokenUri"`
	StartingBid     int64  `json:"startingBid"`
	MinBidIncrement int64  `json:"minBidIncrement"`
	TargetBid       int64  `json:"targetBid"`
	StartTime       string `json:"startTime"`
	EndTime         string `json:"endTime"`
}

func (s *Server) CreateAuction(c *gin.Context) {
	var req createAuctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	start, err := parseOptionalTime(req.StartTime)
	if err != nil {
		AbortWithError(c, newValidationError("startTime", "invalid_time", "startTime must be RFC 3339 or YYYY-MM-DD"))
		return
	}
	end, err := parseOptionalTime(req.EndTime)
	if err != nil {
		AbortWithError(c, newValidationError("endTime", "invalid_time", "endTime must be RFC 3339 or YYYY-MM-DD"))
		return
	}

	auction, err := s.auctionSvc.Create(c.Request.Context(), auctiondomain.CreateRequest{
		SellerID:        req.SellerID,
		ItemName:        req.ItemName,
		Description:     req.Description,
		ImageURL:        req.ImageURL,
		TokenURI:        req.TokenURI,
		StartingBid:     req.StartingBid,
		MinBidIncrement: req.MinBidIncrement,
		TargetBid:       req.TargetBid,
		StartTime:       start,
		EndTime:         end,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": auction})
}

func (s *Server) GetAuction(c *gin.Context) {
	id, err := parsePathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	auction, err := s.auctionSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": auction})
}
