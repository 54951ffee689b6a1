package instances

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/loracloud/lorad/internal/config"
	"github.com/loracloud/lorad/internal/logging"
	"github.com/loracloud/lorad/internal/metrics"
	"github.com/loracloud/lorad/internal/models"
	"github.com/loracloud/lorad/pkg/vastai"
)

// maxRentAttempts bounds how many offers one acquisition will try. Offers
// are racy: the marketplace can hand an offer to another renter between
// search and rent, so a couple of fallbacks are expected.
const maxRentAttempts = 3

// ErrNoOffers is the acquisition failure cause when the filtered search
// produced nothing to rent.
var ErrNoOffers = errors.New("no offers to attempt")

// AcquisitionError reports that no offer could be rented. LastErr is the
// provider error from the final attempt.
type AcquisitionError struct {
	Attempts int
	LastErr  error
}

func (e *AcquisitionError) Error() string {
	if e.LastErr == nil {
		return fmt.Sprintf("failed to acquire an instance after %d attempts", e.Attempts)
	}
	return fmt.Sprintf("failed to acquire an instance after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *AcquisitionError) Unwrap() error {
	return e.LastErr
}

// Service manages instance lifecycle against the marketplace.
type Service struct {
	client   *vastai.Client
	training *config.TrainingConfig
}

func NewService(client *vastai.Client, training *config.TrainingConfig) *Service {
	return &Service{
		client:   client,
		training: training,
	}
}

// Search returns rentable offers matching every filter predicate. The
// marketplace response is treated as a superset and re-filtered here.
func (s *Service) Search(ctx context.Context, filter models.OfferFilter) ([]models.Offer, error) {
	filter.RentableOnly = true

	offers, err := s.client.SearchOffers(ctx, filter)
	if err != nil {
		return nil, err
	}

	matched := make([]models.Offer, 0, len(offers))
	for _, offer := range offers {
		if offerMatches(offer, filter) {
			matched = append(matched, offer)
		}
	}

	return matched, nil
}

func offerMatches(offer models.Offer, filter models.OfferFilter) bool {
	if !offer.Rentable {
		return false
	}
	if filter.GPUName != "" && !strings.Contains(strings.ToLower(offer.GPUName), strings.ToLower(filter.GPUName)) {
		return false
	}
	if filter.MinGPUMemMB > 0 && offer.GPUMemoryMB < filter.MinGPUMemMB {
		return false
	}
	if filter.MaxPrice > 0 && offer.PricePerHour > filter.MaxPrice {
		return false
	}
	return true
}

// Acquire rents the cheapest offer it can, trying candidates in ascending
// price order and giving up after maxRentAttempts. Returns the new instance
// id on the first success.
func (s *Service) Acquire(ctx context.Context, offers []models.Offer, rent vastai.RentRequest) (int64, error) {
	if len(offers) == 0 {
		return 0, &AcquisitionError{Attempts: 0, LastErr: ErrNoOffers}
	}

	sorted := make([]models.Offer, len(offers))
	copy(sorted, offers)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].PricePerHour < sorted[j].PricePerHour
	})

	var lastErr error
	attempts := 0
	for _, offer := range sorted {
		if attempts == maxRentAttempts {
			break
		}
		attempts++

		instanceID, err := s.client.RentInstance(ctx, offer.ID, rent)
		if err != nil {
			lastErr = err
			logging.Warn("rent attempt failed", map[string]interface{}{
				"offer_id":       offer.ID,
				"price_per_hour": offer.PricePerHour,
				"attempt":        attempts,
				"error":          err,
			})
			continue
		}

		metrics.GetMetrics().RecordAcquisition(attempts, offer.PricePerHour, true)
		logging.Info("instance acquired", map[string]interface{}{
			"instance_id":    instanceID,
			"offer_id":       offer.ID,
			"price_per_hour": offer.PricePerHour,
			"attempt":        attempts,
		})
		return instanceID, nil
	}

	metrics.GetMetrics().RecordAcquisition(attempts, 0, false)
	return 0, &AcquisitionError{Attempts: attempts, LastErr: lastErr}
}

// Launch searches with the given filter and acquires the cheapest matching
// offer using the configured training image and disk size.
func (s *Service) Launch(ctx context.Context, filter models.OfferFilter) (int64, error) {
	offers, err := s.Search(ctx, filter)
	if err != nil {
		return 0, err
	}

	rent := vastai.RentRequest{
		Image:   s.training.Image,
		DiskGB:  s.training.DiskGB,
		OnStart: fmt.Sprintf("cd %s && ./startup.sh", s.training.Workspace),
	}
	return s.Acquire(ctx, offers, rent)
}

// List returns all instances owned by the account.
func (s *Service) List(ctx context.Context) ([]models.Instance, error) {
	return s.client.ListInstances(ctx)
}

// Get returns one instance by id.
func (s *Service) Get(ctx context.Context, instanceID int64) (*models.Instance, error) {
	return s.client.GetInstance(ctx, instanceID)
}

// Destroy terminates an instance. A missing instance is a false result, not
// an error.
func (s *Service) Destroy(ctx context.Context, instanceID int64) (bool, error) {
	ok, err := s.client.DestroyInstance(ctx, instanceID)
	if err != nil {
		return false, err
	}
	if ok {
		metrics.GetMetrics().RecordInstanceDestroyed()
	}
	return ok, nil
}
