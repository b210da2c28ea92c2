package payment

import (
	"context"
	"errors"
	"log"
)

// Customer is the minimal processor-side customer record the resolver works
// with.
type Customer struct {
	ID      string
	Email   string
	Deleted bool
}

// ErrCustomerNotFound is returned by CustomerAPI implementations when the
// processor has no record for the given id or email.
var ErrCustomerNotFound = errors.New("customer not found at payment provider")

// CustomerAPI is the slice of a processor client the resolver needs.
type CustomerAPI interface {
	FetchCustomer(ctx context.Context, customerID string) (*Customer, error)
	FetchCustomerByEmail(ctx context.Context, email string) (*Customer, error)
}

// Resolver lazily binds an internal user to a processor-side customer and
// caches the mapping on the user row.
type Resolver struct {
	repo Repository
	api  CustomerAPI
}

// NewResolver creates a customer resolver for one processor client.
func NewResolver(repo Repository, api CustomerAPI) *Resolver {
	return &Resolver{repo: repo, api: api}
}

// ResolveCustomer returns the processor customer id for a user, or empty when
// no customer exists yet — in that case checkout creation auto-provisions one
// and the webhook path caches the id. A cached id the processor reports as
// deleted is dropped and re-resolved instead of failing.
func (r *Resolver) ResolveCustomer(ctx context.Context, userID uint) (string, error) {
	user, err := r.repo.GetUser(userID)
	if err != nil {
		return "", err
	}

	if user.CreemCustomerID != nil && *user.CreemCustomerID != "" {
		cust, err := r.api.FetchCustomer(ctx, *user.CreemCustomerID)
		if err == nil && !cust.Deleted {
			return cust.ID, nil
		}
		if err != nil && !errors.Is(err, ErrCustomerNotFound) {
			return "", err
		}
		log.Printf("[payment] cached customer id %s for user %d is stale, re-resolving", *user.CreemCustomerID, userID)
		user.CreemCustomerID = nil
	}

	cust, err := r.api.FetchCustomerByEmail(ctx, user.Email)
	if err != nil {
		if errors.Is(err, ErrCustomerNotFound) {
			// Creation is deferred to checkout: the processor provisions the
			// customer as part of starting the session.
			return "", nil
		}
		return "", err
	}

	id := cust.ID
	user.CreemCustomerID = &id
	if err := r.repo.SaveUser(user); err != nil {
		return "", err
	}
	return id, nil
}

// CacheCustomerID persists a processor-reported customer id discovered out of
// band (typically from a completed-checkout webhook).
func (r *Resolver) CacheCustomerID(ctx context.Context, userID uint, customerID string) error {
	_ = ctx
	if customerID == "" {
		return nil
	}
	user, err := r.repo.GetUser(userID)
	if err != nil {
		return err
	}
	if user.CreemCustomerID != nil && *user.CreemCustomerID == customerID {
		return nil
	}
	user.CreemCustomerID = &customerID
	return r.repo.SaveUser(user)
}
