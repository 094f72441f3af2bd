// README: Trip service applies driver and rider actions to a ride and its driver's route.
package trip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ridepool/internal/infra"
	"ridepool/internal/logger"
	"ridepool/internal/modules/ride"
	"ridepool/internal/modules/route"
	"ridepool/internal/types"
)

var (
	ErrInvalidTransition = errors.New("ride cannot make this transition")
	ErrBadRequest        = errors.New("bad request")
	ErrRequestClaimed    = errors.New("request is being matched")
	ErrNotYourRide       = errors.New("ride belongs to another rider")

	// errUnchanged aborts a transition that has already happened.
	errUnchanged = errors.New("ride already in target state")
)

type RideReader interface {
	GetRide(ctx context.Context, id types.ID) (*ride.Ride, error)
}

type RequestRepository interface {
	GetRequest(ctx context.Context, id types.ID) (*ride.Request, error)
	DeleteRequest(ctx context.Context, id types.ID) error
}

// RouteEngine applies stop actions under the driver's route lock; eta.Engine implements it.
type RouteEngine interface {
	Transition(ctx context.Context, driverID, rideID types.ID, action route.Action, status ride.Status, guard func(*ride.Ride) error) (route.ActionResult, error)
}

type Service struct {
	rides    RideReader
	requests RequestRepository
	engine   RouteEngine
	locker   infra.Locker
	claimTTL time.Duration
	log      *zap.Logger
}

func NewService(rides RideReader, requests RequestRepository, engine RouteEngine, locker infra.Locker, claimTTL time.Duration, log *zap.Logger) *Service {
	if claimTTL <= 0 {
		claimTTL = 30 * time.Second
	}
	return &Service{
		rides:    rides,
		requests: requests,
		engine:   engine,
		locker:   locker,
		claimTTL: claimTTL,
		log:      logger.OrNop(log),
	}
}

// Arrive marks the driver as waiting at the rider's pickup. The route is unchanged.
func (s *Service) Arrive(ctx context.Context, driverID, rideID types.ID) (*ride.Ride, error) {
	return s.move(ctx, driverID, rideID, "", ride.StatusDriverArrived)
}

// Pickup boards the rider. Picking up a rider other than the next one in the route is
// allowed and re-plans the remaining ETAs.
func (s *Service) Pickup(ctx context.Context, driverID, rideID types.ID) (*ride.Ride, error) {
	return s.move(ctx, driverID, rideID, route.ActionPickup, ride.StatusInProgress)
}

// Dropoff completes the ride.
func (s *Service) Dropoff(ctx context.Context, driverID, rideID types.ID) (*ride.Ride, error) {
	return s.move(ctx, driverID, rideID, route.ActionDropoff, ride.StatusCompleted)
}

func (s *Service) move(ctx context.Context, driverID, rideID types.ID, action route.Action, to ride.Status) (*ride.Ride, error) {
	guard := func(r *ride.Ride) error {
		if !canMove(r.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
		}
		return nil
	}
	res, err := s.engine.Transition(ctx, driverID, rideID, action, to, guard)
	if err != nil {
		return nil, err
	}
	s.log.Info("trip action",
		zap.String("driver_id", string(driverID)),
		zap.String("ride_id", string(rideID)),
		zap.String("status", to.String()),
		zap.Bool("out_of_sequence", res.OutOfSequence))
	return s.rides.GetRide(ctx, rideID)
}

type CancelCommand struct {
	RideID types.ID
	By     Actor
	// ActorID is the rider or driver asking; ignored for admins.
	ActorID types.ID
	NoShow  bool
}

// Cancel cancels a ride at any point before completion, including while a pickup is in
// flight. Cancelling an already cancelled ride returns it unchanged.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*ride.Ride, error) {
	status, ok := cancelStatus(cmd.By, cmd.NoShow)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot cancel with no_show=%v", ErrBadRequest, cmd.By, cmd.NoShow)
	}
	r, err := s.rides.GetRide(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	if r.Status.IsCancelled() {
		return r, nil
	}
	if cmd.By == ActorRider && r.RiderID != cmd.ActorID {
		return nil, ErrNotYourRide
	}
	if r.DriverID == nil {
		return nil, fmt.Errorf("%w: ride %s has no driver", ErrInvalidTransition, r.ID)
	}
	driverID := *r.DriverID
	if cmd.By == ActorDriver && driverID != cmd.ActorID {
		return nil, fmt.Errorf("%w: ride %s", ErrInvalidTransition, r.ID)
	}

	guard := func(r *ride.Ride) error {
		switch {
		case r.Status.IsCancelled():
			return errUnchanged
		case r.Status.IsCompleted():
			return fmt.Errorf("%w: ride %s is completed", ErrInvalidTransition, r.ID)
		case cmd.NoShow && r.Status.IsPickedUp():
			return fmt.Errorf("%w: rider of %s is on board", ErrInvalidTransition, r.ID)
		}
		return nil
	}
	_, err = s.engine.Transition(ctx, driverID, r.ID, route.ActionCancel, status, guard)
	if err != nil && !errors.Is(err, errUnchanged) {
		return nil, err
	}
	s.log.Info("ride cancelled",
		zap.String("ride_id", string(r.ID)),
		zap.String("driver_id", string(driverID)),
		zap.String("by", string(cmd.By)),
		zap.String("status", status.String()))
	return s.rides.GetRide(ctx, r.ID)
}

// CancelRequest withdraws a pending request. It fails with ErrRequestClaimed while a dispatch
// pass holds the request; the caller may retry, or cancel the ride if the pass matched it.
func (s *Service) CancelRequest(ctx context.Context, requestID, riderID types.ID) error {
	unlock, ok, err := s.locker.TryLock(ctx, infra.RequestClaimKey(requestID), s.claimTTL)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRequestClaimed
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("request claim release failed", zap.String("request_id", string(requestID)), zap.Error(err))
		}
	}()

	req, err := s.requests.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if riderID != "" && req.RiderID != riderID {
		return ErrNotYourRide
	}
	if err := s.requests.DeleteRequest(ctx, requestID); err != nil {
		return err
	}
	s.log.Info("request cancelled", zap.String("request_id", string(requestID)))
	return nil
}
