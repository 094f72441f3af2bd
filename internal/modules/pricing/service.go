// README: Pricing service selects the fare mode for a request and prices it.
package pricing

import (
	"errors"
	"fmt"

	"ridepool/internal/modules/location"
	"ridepool/internal/modules/ride"
	"ridepool/internal/types"
)

var ErrBadRequest = errors.New("bad request")

type Service struct{}

func NewService() *Service {
	return &Service{}
}

// SelectMode prices a request under the location's fare configuration. Free fares are zero,
// pay-what-you-want carries the suggested amount and fixed fares are charged per passenger.
func (s *Service) SelectMode(loc *location.Location, passengers int) (Quote, error) {
	if passengers < 1 {
		return Quote{}, fmt.Errorf("%w: passengers must be at least 1", ErrBadRequest)
	}
	cfg := loc.Fare
	currency := cfg.Amount.Currency
	if currency == "" {
		currency = defaultCurrency
	}
	unit := cfg.Amount
	unit.Currency = currency

	switch cfg.Mode {
	case "", location.FareFree:
		return Quote{Mode: location.FareFree, Amount: zero(currency)}, nil
	case location.FarePayWhatYouWant:
		return Quote{Mode: location.FarePayWhatYouWant, Amount: zero(currency), Suggested: unit}, nil
	case location.FareFixed:
		if unit.Amount < 0 {
			return Quote{}, fmt.Errorf("%w: negative fixed fare", ErrBadRequest)
		}
		return Quote{Mode: location.FareFixed, Amount: unit.Times(passengers)}, nil
	}
	return Quote{}, fmt.Errorf("%w: unknown fare mode %q", ErrBadRequest, cfg.Mode)
}

// Fare converts a quote into the ride record's fare. Pay-what-you-want rides record the
// suggested amount until the rider settles.
func (q Quote) Fare() ride.Fare {
	amount := q.Amount
	if q.Mode == location.FarePayWhatYouWant {
		amount = q.Suggested
	}
	return ride.Fare{Mode: string(q.Mode), Amount: amount}
}

func zero(currency string) types.Money {
	return types.Money{Currency: currency}
}
