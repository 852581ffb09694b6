package profile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/vendor-tracking/internal/models"
)

// VendorProfile is the durable vendor record owned by the profile store. The
// live location state is mirrored into it after each applied change.
type VendorProfile struct {
	UserID             string                  `json:"userId" bson:"user_id"`
	VendorID           string                  `json:"vendorId" bson:"vendor_id"`
	BusinessName       string                  `json:"businessName" bson:"business_name"`
	Category           string                  `json:"category" bson:"category"`
	VendorType         string                  `json:"vendorType" bson:"vendor_type"`
	Location           *models.Coord           `json:"location,omitempty" bson:"location,omitempty"`
	Address            string                  `json:"address,omitempty" bson:"address,omitempty"`
	IsOnline           bool                    `json:"isOnline" bson:"is_online"`
	LastLocationUpdate *time.Time              `json:"lastLocationUpdate,omitempty" bson:"last_location_update,omitempty"`
	Schedule           *models.RoamingSchedule `json:"roamingSchedule,omitempty" bson:"roaming_schedule,omitempty"`
	UpdatedAt          time.Time               `json:"updatedAt" bson:"updated_at"`
}

func (p VendorProfile) Summary() models.VendorSummary {
	s := models.VendorSummary{
		VendorID:     p.VendorID,
		BusinessName: p.BusinessName,
		Category:     p.Category,
		VendorType:   p.VendorType,
	}
	if p.Schedule != nil && p.Schedule.IsRoaming {
		s.VendorType = models.VendorTypeMobile
	}
	return s
}

// State is the live state last persisted for the vendor, used to seed the
// location store after a restart. A profile marked online without a location
// comes back offline.
func (p VendorProfile) State() models.VendorState {
	st := models.VendorState{
		Summary:  p.Summary(),
		Position: models.VendorPosition{VendorID: p.VendorID, Address: p.Address},
		Schedule: p.Schedule.Clone(),
	}
	if p.Location != nil {
		c := *p.Location
		st.Position.Coordinates = &c
		st.Position.IsOnline = p.IsOnline
	}
	if p.LastLocationUpdate != nil {
		st.Position.LastUpdate = *p.LastLocationUpdate
	}
	return st
}

// VendorFields is a partial update; nil fields are left as they are.
type VendorFields struct {
	Location           *models.Coord
	Address            *string
	IsOnline           *bool
	LastLocationUpdate *time.Time
	Schedule           *models.RoamingSchedule
	VendorType         *string
}

func (f VendorFields) apply(p *VendorProfile, now time.Time) {
	if f.Location != nil {
		c := *f.Location
		p.Location = &c
	}
	if f.Address != nil {
		p.Address = *f.Address
	}
	if f.IsOnline != nil {
		p.IsOnline = *f.IsOnline
	}
	if f.LastLocationUpdate != nil {
		t := *f.LastLocationUpdate
		p.LastLocationUpdate = &t
	}
	if f.Schedule != nil {
		p.Schedule = f.Schedule.Clone()
	}
	if f.VendorType != nil {
		p.VendorType = *f.VendorType
	}
	p.UpdatedAt = now
}

// Store is the vendor profile collaborator.
type Store interface {
	FindVendorByUser(ctx context.Context, userID string) (VendorProfile, error)
	UpdateVendorFields(ctx context.Context, userID string, fields VendorFields) (VendorProfile, error)
}

func notFound(userID string) error {
	return fmt.Errorf("%w: no vendor profile for user %s", models.ErrNotFound, userID)
}

// MemoryStore keeps profiles in process. Used for local runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]VendorProfile
	now      func() time.Time
}

func NewMemoryStore(seed ...VendorProfile) *MemoryStore {
	m := &MemoryStore{profiles: make(map[string]VendorProfile), now: time.Now}
	for _, p := range seed {
		m.profiles[p.UserID] = p
	}
	return m
}

// Put creates or replaces a profile.
func (m *MemoryStore) Put(p VendorProfile) {
	m.mu.Lock()
	m.profiles[p.UserID] = p
	m.mu.Unlock()
}

func (m *MemoryStore) FindVendorByUser(_ context.Context, userID string) (VendorProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[userID]
	if !ok {
		return VendorProfile{}, notFound(userID)
	}
	return p, nil
}

func (m *MemoryStore) UpdateVendorFields(_ context.Context, userID string, fields VendorFields) (VendorProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return VendorProfile{}, notFound(userID)
	}
	fields.apply(&p, m.now())
	m.profiles[userID] = p
	return p, nil
}
