// Package receipt renders PDF receipts for donations confirmed on the ledger.
package receipt

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/careledger/internal/config"
	donationdomain "github.com/smallbiznis/careledger/internal/donation/domain"
	donordomain "github.com/smallbiznis/careledger/internal/donor/domain"
	"github.com/smallbiznis/careledger/internal/observability/logger"
	patientdomain "github.com/smallbiznis/careledger/internal/patient/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrNotConfirmed = errors.New("donation_not_confirmed")

const (
	anonymousDonor = "Anonymous donor"
	dateLayout     = "02 Jan 2006"
)

type Params struct {
	fx.In

	Log       *zap.Logger
	Config    config.Config
	Donations donationdomain.Service
	Donors    donordomain.Service
	Patients  patientdomain.Service
}

type Service struct {
	log          *zap.Logger
	organization string
	donations    donationdomain.Service
	donors       donordomain.Service
	patients     patientdomain.Service
}

func New(p Params) *Service {
	org := strings.TrimSpace(p.Config.AppName)
	if org == "" {
		org = "careledger"
	}
	return &Service{
		log:          p.Log.Named("receipt"),
		organization: org,
		donations:    p.Donations,
		donors:       p.Donors,
		patients:     p.Patients,
	}
}

// ForDonation renders the receipt of a confirmed donation.
func (s *Service) ForDonation(ctx context.Context, id snowflake.ID) ([]byte, error) {
	donation, err := s.donations.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if donation.Status != donationdomain.StatusConfirmed || !donation.Linked() {
		return nil, ErrNotConfirmed
	}

	data, err := s.compose(ctx, donation)
	if err != nil {
		return nil, err
	}
	doc, err := Render(data)
	if err != nil {
		logger.WithContext(ctx, s.log).Error("receipt.render_failed",
			zap.String("donation_id", id.String()),
			zap.Error(err),
		)
		return nil, err
	}
	return doc, nil
}

func (s *Service) compose(ctx context.Context, donation donationdomain.Donation) (Data, error) {
	data := Data{
		Organization: s.organization,
		ReceiptNo:    donation.ID.String(),
		DonorName:    anonymousDonor,
		DonatedAt:    donation.CreatedAt.UTC().Format(dateLayout),
		Amount:       donation.Amount,
		Currency:     donation.Currency,
		ConfirmedAt:  "-",
		Method:       donation.PaymentMethod,
		LedgerTxHash: *donation.LedgerTxHash,
	}
	if donation.ConfirmedAt != nil {
		data.ConfirmedAt = donation.ConfirmedAt.UTC().Format(dateLayout)
	}

	if !donation.IsAnonymous {
		donor, err := s.donors.Get(ctx, donation.DonorID)
		switch {
		case errors.Is(err, donordomain.ErrNotFound):
		case err != nil:
			return Data{}, err
		case donor.DisplayName != nil && strings.TrimSpace(*donor.DisplayName) != "":
			data.DonorName = strings.TrimSpace(*donor.DisplayName)
		}
	}

	if donation.PatientID != nil {
		patient, err := s.patients.GetPublic(ctx, *donation.PatientID)
		switch {
		case errors.Is(err, patientdomain.ErrNotFound):
		case err != nil:
			return Data{}, err
		default:
			data.PatientLabel = patient.AnonymousID
		}
	}
	return data, nil
}
