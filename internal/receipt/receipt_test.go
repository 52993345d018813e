package receipt

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/careledger/internal/config"
	donationdomain "github.com/smallbiznis/careledger/internal/donation/domain"
	donordomain "github.com/smallbiznis/careledger/internal/donor/domain"
	patientdomain "github.com/smallbiznis/careledger/internal/patient/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubDonations struct {
	donationdomain.Service
	byID map[snowflake.ID]donationdomain.Donation
}

func (s stubDonations) Get(ctx context.Context, id snowflake.ID) (donationdomain.Donation, error) {
	d, ok := s.byID[id]
	if !ok {
		return donationdomain.Donation{}, donationdomain.ErrNotFound
	}
	return d, nil
}

type stubDonors struct {
	donordomain.Service
	byID map[snowflake.ID]donordomain.Donor
}

func (s stubDonors) Get(ctx context.Context, id snowflake.ID) (donordomain.Donor, error) {
	d, ok := s.byID[id]
	if !ok {
		return donordomain.Donor{}, donordomain.ErrNotFound
	}
	return d, nil
}

type stubPatients struct {
	patientdomain.Service
	byID map[snowflake.ID]patientdomain.PublicPatient
}

func (s stubPatients) GetPublic(ctx context.Context, id snowflake.ID) (patientdomain.PublicPatient, error) {
	p, ok := s.byID[id]
	if !ok {
		return patientdomain.PublicPatient{}, patientdomain.ErrNotFound
	}
	return p, nil
}

func strPtr(s string) *string { return &s }

func newReceiptService(donations map[snowflake.ID]donationdomain.Donation) *Service {
	return New(Params{
		Log:       zap.NewNop(),
		Config:    config.Config{AppName: "CareLedger"},
		Donations: stubDonations{byID: donations},
		Donors: stubDonors{byID: map[snowflake.ID]donordomain.Donor{
			10: {ID: 10, DisplayName: strPtr(" Maria Santos ")},
		}},
		Patients: stubPatients{byID: map[snowflake.ID]patientdomain.PublicPatient{
			20: {PatientID: 20, AnonymousID: "Patient #ABCD1234"},
		}},
	})
}

func TestCompose(t *testing.T) {
	confirmedAt := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	patientID := snowflake.ID(20)
	donation := donationdomain.Donation{
		ID:            1,
		DonorID:       10,
		Amount:        12500,
		Currency:      "PHP",
		PaymentMethod: "paymaya",
		PatientID:     &patientID,
		Status:        donationdomain.StatusConfirmed,
		LedgerTxHash:  strPtr("0xabc"),
		CreatedAt:     time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC),
		ConfirmedAt:   &confirmedAt,
	}
	svc := newReceiptService(nil)

	data, err := svc.compose(context.Background(), donation)
	require.NoError(t, err)
	assert.Equal(t, Data{
		Organization: "CareLedger",
		ReceiptNo:    "1",
		DonorName:    "Maria Santos",
		DonatedAt:    "01 Mar 2026",
		ConfirmedAt:  "02 Mar 2026",
		Amount:       12500,
		Currency:     "PHP",
		Method:       "paymaya",
		PatientLabel: "Patient #ABCD1234",
		LedgerTxHash: "0xabc",
	}, data)

	donation.IsAnonymous = true
	donation.PatientID = nil
	donation.ConfirmedAt = nil
	data, err = svc.compose(context.Background(), donation)
	require.NoError(t, err)
	assert.Equal(t, anonymousDonor, data.DonorName)
	assert.Empty(t, data.PatientLabel)
	assert.Equal(t, "-", data.ConfirmedAt)

	donation.IsAnonymous = false
	donation.DonorID = 99
	data, err = svc.compose(context.Background(), donation)
	require.NoError(t, err)
	assert.Equal(t, anonymousDonor, data.DonorName)
}

func TestForDonation(t *testing.T) {
	svc := newReceiptService(map[snowflake.ID]donationdomain.Donation{
		1: {ID: 1, DonorID: 10, Amount: 500, Currency: "PHP", Status: donationdomain.StatusConfirmed, LedgerTxHash: strPtr("0xabc")},
		2: {ID: 2, DonorID: 10, Amount: 500, Currency: "PHP", Status: donationdomain.StatusPending},
	})

	doc, err := svc.ForDonation(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(doc, []byte("%PDF")))

	_, err = svc.ForDonation(context.Background(), 2)
	assert.ErrorIs(t, err, ErrNotConfirmed)

	_, err = svc.ForDonation(context.Background(), 3)
	assert.ErrorIs(t, err, donationdomain.ErrNotFound)
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "PHP 1,500", FormatAmount(1500, "PHP"))
	assert.Equal(t, "USD 25", FormatAmount(25, "USD"))
	assert.Equal(t, "PHP 1,234,567", FormatAmount(1234567, "PHP"))
}
