package outbox

import (
	"context"

	"bountypay/pkg/db/option"
	"bountypay/pkg/db/pagination"
	"bountypay/pkg/errutil"
	"bountypay/pkg/repository"

	"gorm.io/gorm"
)

// Store reads events for operators; the writer and relay own every write.
type Store struct {
	events repository.Repository[Event]
}

func NewStore(db *gorm.DB) *Store {
	return &Store{events: repository.ProvideStore[Event](db)}
}

func (s *Store) WithTrx(tx *gorm.DB) *Store {
	return &Store{events: s.events.WithTrx(tx)}
}

func (s *Store) Get(ctx context.Context, id string, opts ...option.QueryOption) (*Event, error) {
	ev, err := s.events.FindOne(ctx, &Event{ID: id}, opts...)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, errutil.NotFound("outbox event not found", nil)
	}
	return ev, nil
}

type ListParams struct {
	Status      Status
	AggregateID string
	pagination.Pagination
}

func (s *Store) List(ctx context.Context, p ListParams) ([]*Event, *pagination.PageInfo, error) {
	if p.Status != "" && !p.Status.Valid() {
		return nil, nil, errutil.BadRequest("unknown outbox status", nil)
	}
	if p.Limit <= 0 {
		p.Limit = 20
	}

	events, err := s.events.Find(ctx, &Event{Status: p.Status, AggregateID: p.AggregateID}, option.ApplyPagination(p.Pagination))
	if err != nil {
		return nil, nil, err
	}

	events, info := pagination.Page(events, p.Limit, func(e *Event) string { return e.ID })
	return events, info, nil
}
