package payment

import (
	"context"
	"testing"

	"github.com/Gndys/PayHub/app/models"
)

type fakeCustomerAPI struct {
	byID    map[string]*Customer
	byEmail map[string]*Customer
}

func (f *fakeCustomerAPI) FetchCustomer(_ context.Context, id string) (*Customer, error) {
	if c, ok := f.byID[id]; ok {
		return c, nil
	}
	return nil, ErrCustomerNotFound
}

func (f *fakeCustomerAPI) FetchCustomerByEmail(_ context.Context, email string) (*Customer, error) {
	if c, ok := f.byEmail[email]; ok {
		return c, nil
	}
	return nil, ErrCustomerNotFound
}

func TestResolveCustomerUsesCachedID(t *testing.T) {
	repo := newFakeRepo()
	cached := "cus_1"
	repo.users[7] = &models.User{ID: 7, Email: "a@example.com", CreemCustomerID: &cached}
	api := &fakeCustomerAPI{byID: map[string]*Customer{"cus_1": {ID: "cus_1", Email: "a@example.com"}}}

	got, err := NewResolver(repo, api).ResolveCustomer(context.Background(), 7)
	if err != nil || got != "cus_1" {
		t.Fatalf("got %q err=%v, want cached cus_1", got, err)
	}
}

func TestResolveCustomerReResolvesStaleID(t *testing.T) {
	repo := newFakeRepo()
	stale := "cus_gone"
	repo.users[7] = &models.User{ID: 7, Email: "a@example.com", CreemCustomerID: &stale}
	api := &fakeCustomerAPI{
		byID:    map[string]*Customer{},
		byEmail: map[string]*Customer{"a@example.com": {ID: "cus_2", Email: "a@example.com"}},
	}

	got, err := NewResolver(repo, api).ResolveCustomer(context.Background(), 7)
	if err != nil || got != "cus_2" {
		t.Fatalf("got %q err=%v, want re-resolved cus_2", got, err)
	}
	if repo.users[7].CreemCustomerID == nil || *repo.users[7].CreemCustomerID != "cus_2" {
		t.Fatalf("re-resolved id not cached on user")
	}
}

func TestResolveCustomerDefersCreationToCheckout(t *testing.T) {
	repo := newFakeRepo()
	repo.users[7] = &models.User{ID: 7, Email: "new@example.com"}
	api := &fakeCustomerAPI{byID: map[string]*Customer{}, byEmail: map[string]*Customer{}}

	got, err := NewResolver(repo, api).ResolveCustomer(context.Background(), 7)
	if err != nil {
		t.Fatalf("unknown customer must not be an error: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty id to signal checkout-time provisioning, got %q", got)
	}
}

func TestCacheCustomerID(t *testing.T) {
	repo := newFakeRepo()
	repo.users[7] = &models.User{ID: 7, Email: "a@example.com"}
	r := NewResolver(repo, &fakeCustomerAPI{})

	if err := r.CacheCustomerID(context.Background(), 7, "cus_9"); err != nil {
		t.Fatalf("cache: %v", err)
	}
	if repo.users[7].CreemCustomerID == nil || *repo.users[7].CreemCustomerID != "cus_9" {
		t.Fatalf("customer id not persisted")
	}
}
