// README: Fare modes a location may charge and the quote attached to each ride.
package pricing

import (
	"ridepool/internal/modules/location"
	"ridepool/internal/types"
)

// Quote is what the rider is shown at request time. Suggested is set only for
// pay-what-you-want fares, where Amount is zero until the rider chooses.
type Quote struct {
	Mode      location.FareMode
	Amount    types.Money
	Suggested types.Money
}

const defaultCurrency = "USD"
