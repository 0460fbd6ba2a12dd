package tpp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/ingest/internal/platform/db"
	"github.com/ehr/ingest/internal/platform/linkage"
	"github.com/ehr/ingest/internal/platform/memo"
)

// StaffProfile is one employment of a staff member at an organisation. Clinical
// rows name the profile that entered them, not the staff member.
type StaffProfile struct {
	ProfileID      string `json:"profile_id"`
	StaffMemberID  string `json:"staff_member_id"`
	OrganisationID string `json:"organisation_id,omitempty"`
	Role           string `json:"role,omitempty"`
}

// StaffStore keeps profiles seen in earlier batches, since an extract only
// carries the profiles that changed.
type StaffStore interface {
	Lookup(ctx context.Context, profileID string) (StaffProfile, error)
	Save(ctx context.Context, profiles []StaffProfile) error
}

// ---------------------------------------------------------------------------
// Memory store
// ---------------------------------------------------------------------------

type MemoryStaffStore struct {
	mu       sync.RWMutex
	profiles map[string]StaffProfile
}

func NewMemoryStaffStore() *MemoryStaffStore {
	return &MemoryStaffStore{profiles: make(map[string]StaffProfile)}
}

func (s *MemoryStaffStore) Lookup(_ context.Context, profileID string) (StaffProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[profileID]
	if !ok {
		return StaffProfile{}, fmt.Errorf("staff profile %s: %w", profileID, memo.ErrNotFound)
	}
	return p, nil
}

func (s *MemoryStaffStore) Save(_ context.Context, profiles []StaffProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range profiles {
		s.profiles[p.ProfileID] = p
	}
	return nil
}

// ---------------------------------------------------------------------------
// Postgres store
// ---------------------------------------------------------------------------

// PGStaffStore reads and upserts tpp_staff_profile.
type PGStaffStore struct {
	pool   *pgxpool.Pool
	schema string
}

func NewPGStaffStore(pool *pgxpool.Pool, schema string) *PGStaffStore {
	return &PGStaffStore{pool: pool, schema: schema}
}

func (s *PGStaffStore) Lookup(ctx context.Context, profileID string) (StaffProfile, error) {
	p := StaffProfile{ProfileID: profileID}
	err := db.WithTx(ctx, s.pool, s.schema, func(ctx context.Context) error {
		return db.TxFromContext(ctx).QueryRow(ctx,
			`SELECT staff_member_id, COALESCE(organisation_id,''), COALESCE(role,'')
			 FROM tpp_staff_profile WHERE profile_id = $1`, profileID).
			Scan(&p.StaffMemberID, &p.OrganisationID, &p.Role)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return StaffProfile{}, fmt.Errorf("staff profile %s: %w", profileID, memo.ErrNotFound)
	}
	if err != nil {
		return StaffProfile{}, fmt.Errorf("staff profile %s: %w", profileID, err)
	}
	return p, nil
}

func (s *PGStaffStore) Save(ctx context.Context, profiles []StaffProfile) error {
	if len(profiles) == 0 {
		return nil
	}
	return db.WithTx(ctx, s.pool, s.schema, func(ctx context.Context) error {
		b := &pgx.Batch{}
		for _, p := range profiles {
			b.Queue(`
				INSERT INTO tpp_staff_profile (profile_id, staff_member_id, organisation_id, role, updated_at)
				VALUES ($1, $2, NULLIF($3,''), NULLIF($4,''), NOW())
				ON CONFLICT (profile_id) DO UPDATE SET
					staff_member_id = EXCLUDED.staff_member_id,
					organisation_id = EXCLUDED.organisation_id,
					role = EXCLUDED.role,
					updated_at = NOW()`,
				p.ProfileID, p.StaffMemberID, p.OrganisationID, p.Role)
		}
		if err := db.TxFromContext(ctx).SendBatch(ctx, b).Close(); err != nil {
			return fmt.Errorf("save staff profiles: %w", err)
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// Per-batch cache
// ---------------------------------------------------------------------------

// staffCache answers profile lookups from the batch first and the store
// second. byMember is the linkage SRStaffMember takes its roles from.
type staffCache struct {
	store     StaffStore
	byMember  *linkage.Cache[string, []StaffProfile]
	inBatch   map[string]StaffProfile
	fresh     []StaffProfile
	persisted *memo.Cache[StaffProfile]
}

func newStaffCache(store StaffStore, logger zerolog.Logger) *staffCache {
	persisted := memo.New[StaffProfile](store.Lookup, memo.NegativeCache, memo.WithName("tpp staff"), memo.WithLogger(logger))
	return &staffCache{
		store:     store,
		byMember:  linkage.New[string, []StaffProfile]("tpp staff profiles"),
		inBatch:   make(map[string]StaffProfile),
		persisted: persisted,
	}
}

// Add records a profile delivered in this batch.
func (c *staffCache) Add(p StaffProfile) error {
	if _, seen := c.inBatch[p.ProfileID]; !seen {
		c.fresh = append(c.fresh, p)
	}
	c.inBatch[p.ProfileID] = p
	list, _ := c.byMember.Resolve(p.StaffMemberID)
	return c.byMember.Publish(p.StaffMemberID, append(list, p))
}

// ResolveProfile returns the profile from this batch or, failing that, from
// the store. A profile the store does not know yields memo.ErrNotFound.
func (c *staffCache) ResolveProfile(ctx context.Context, profileID string) (StaffProfile, error) {
	if p, ok := c.inBatch[profileID]; ok {
		return p, nil
	}
	return c.persisted.Lookup(ctx, profileID)
}

// Flush saves the profiles first seen in this batch.
func (c *staffCache) Flush(ctx context.Context) error {
	if err := c.store.Save(ctx, c.fresh); err != nil {
		return err
	}
	c.fresh = nil
	return nil
}
