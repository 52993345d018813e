package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	achievementdomain "github.com/smallbiznis/careledger/internal/achievement/domain"
	donordomain "github.com/smallbiznis/careledger/internal/donor/domain"
	patientdomain "github.com/smallbiznis/careledger/internal/patient/domain"
)

func (s *Server) GetDonor(c *gin.Context) {
	id, err := parsePathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	donor, err := s.donorSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": donor})
}

func (s *Server) ListDonorAchievements(c *gin.Context) {
	id, err := parsePathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	achievements, err := s.achievementSvc.ListByDonor(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if achievements == nil {
		achievements = []achievementdomain.Achievement{}
	}
	c.JSON(http.StatusOK, gin.H{"data": achievements})
}

type upsertDonorRequest struct {
	WalletAddress string `json:"walletAddress"`
	Email         string `json:"email"`
	DisplayName   string `json:"displayName"`
}

func (s *Server) UpsertDonorProfile(c *gin.Context) {
	var req upsertDonorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	donor, err := s.donorSvc.UpsertProfile(c.Request.Context(), donordomain.UpsertProfileRequest{
		ID:            c.Param("id"),
		WalletAddress: req.WalletAddress,
		Email:         req.Email,
		DisplayName:   req.DisplayName,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": donor})
}

func (s *Server) GetPublicPatient(c *gin.Context) {
	id, err := parsePathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	patient, err := s.patientSvc.GetPublic(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": patient})
}

type createPatientRequest struct {
	Age         int    `json:"age"`
	Diagnosis   string `json:"diagnosis"`
	FundingGoal int64  `json:"fundingGoal"`
	Priority    *int   `json:"priority"`
	ImpactStory string `json:"impactStory"`
}

func (s *Server) CreatePatient(c *gin.Context) {
	var req createPatientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	patient, err := s.patientSvc.Create(c.Request.Context(), patientdomain.CreatePatientRequest{
		Age:         req.Age,
		Diagnosis:   req.Diagnosis,
		FundingGoal: req.FundingGoal,
		Priority:    req.Priority,
		ImpactStory: req.ImpactStory,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": patient})
}

type updatePatientRequest struct {
	Diagnosis   *string `json:"diagnosis"`
	FundingGoal *int64  `json:"fundingGoal"`
	Priority    *int    `json:"priority"`
	ImpactStory *string `json:"impactStory"`
}

func (s *Server) UpdatePatient(c *gin.Context) {
	var req updatePatientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	patient, err := s.patientSvc.Update(c.Request.Context(), patientdomain.UpdatePatientRequest{
		ID:          c.Param("id"),
		Diagnosis:   req.Diagnosis,
		FundingGoal: req.FundingGoal,
		Priority:    req.Priority,
		ImpactStory: req.ImpactStory,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": patient})
}
