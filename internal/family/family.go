// Package family manages families, their members and member bearer tokens.
//
// A token has the form "<memberID>.<secret>". Only a bcrypt hash of the
// secret is stored, so a token is shown once, when the member is created or
// its token is reissued.
package family

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dukerupert/homebase/internal/apperr"
	"github.com/dukerupert/homebase/internal/auth"
	"github.com/dukerupert/homebase/internal/docstore"
	"golang.org/x/crypto/bcrypt"
)

const (
	FamilyCollection = "families"
	MemberCollection = "members"
)

// ErrInvalidToken is returned by Authenticate for any token that does not
// identify a current member.
var ErrInvalidToken = errors.New("invalid token")

type Family struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Timezone  string    `json:"timezone"`
	Parents   []string  `json:"parents"`
	CreatedAt time.Time `json:"createdAt"`
}

// Location returns the family's time zone, UTC when unset or unknown.
func (f *Family) Location() *time.Location {
	if f.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(f.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type Member struct {
	ID        string    `json:"id"`
	FamilyID  string    `json:"familyId"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	TokenHash string    `json:"tokenHash,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Public returns the member without its token hash.
func (m Member) Public() Member {
	m.TokenHash = ""
	return m
}

type Options struct {
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
	// CacheTTL is how long a verified token skips the bcrypt comparison.
	CacheTTL time.Duration
	Logger   *slog.Logger
}

type cachedAuth struct {
	ac      auth.AuthContext
	expires time.Time
}

type Service struct {
	store *docstore.Store
	opts  Options
	now   func() time.Time

	mu    sync.Mutex
	cache map[[sha256.Size]byte]cachedAuth

	// revocations counts forget calls per member. Authenticate only caches
	// a lookup if the count did not move while it was reading the store.
	revocations map[string]uint64

	// beforeCache runs between token verification and caching; tests use it.
	beforeCache func()
}

func NewService(store *docstore.Store, opts Options) *Service {
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		store:       store,
		opts:        opts,
		now:         func() time.Time { return time.Now().UTC() },
		cache:       make(map[[sha256.Size]byte]cachedAuth),
		revocations: make(map[string]uint64),
	}
}

func familyRef(id string) docstore.Ref {
	return docstore.Ref{Collection: FamilyCollection, ID: id}
}

func memberRef(id string) docstore.Ref {
	return docstore.Ref{Collection: MemberCollection, ID: id}
}

const maxNameLen = 80

func cleanName(name, what string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperr.Validation("%s is required", what)
	}
	if len(name) > maxNameLen {
		return "", apperr.Validation("%s must be at most %d characters", what, maxNameLen)
	}
	return name, nil
}

// newToken returns a fresh token for memberID and the bcrypt hash to store.
func (s *Service) newToken(memberID string) (token, hash string, err error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate token: %w", err)
	}
	secret := hex.EncodeToString(b)
	h, err := bcrypt.GenerateFromPassword([]byte(secret), s.opts.BcryptCost)
	if err != nil {
		return "", "", fmt.Errorf("hash token: %w", err)
	}
	return memberID + "." + secret, string(h), nil
}

// CreateFamily bootstraps a family and its first parent. The returned
// token is the only copy of the parent's credential.
func (s *Service) CreateFamily(ctx context.Context, name, parentName, timezone string) (*Family, *Member, string, error) {
	name, err := cleanName(name, "family name")
	if err != nil {
		return nil, nil, "", err
	}
	parentName, err = cleanName(parentName, "parent name")
	if err != nil {
		return nil, nil, "", err
	}
	if timezone == "" {
		timezone = "UTC"
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return nil, nil, "", apperr.Validation("unknown timezone %q", timezone)
	}

	now := s.now()
	m := &Member{
		ID:        docstore.NewID(),
		Name:      parentName,
		Role:      auth.RoleParent,
		CreatedAt: now,
	}
	f := &Family{
		ID:        docstore.NewID(),
		Name:      name,
		Timezone:  timezone,
		Parents:   []string{m.ID},
		CreatedAt: now,
	}
	m.FamilyID = f.ID

	token, hash, err := s.newToken(m.ID)
	if err != nil {
		return nil, nil, "", err
	}
	m.TokenHash = hash

	fdata, err := docstore.Encode(f)
	if err != nil {
		return nil, nil, "", err
	}
	mdata, err := docstore.Encode(m)
	if err != nil {
		return nil, nil, "", err
	}
	err = s.store.RunTransaction(ctx, func(tx *docstore.Tx) error {
		tx.Create(familyRef(f.ID), f.ID, fdata)
		tx.Create(memberRef(m.ID), f.ID, mdata)
		return nil
	})
	if err != nil {
		return nil, nil, "", fmt.Errorf("create family: %w", err)
	}

	s.opts.Logger.Info("family created", "family_id", f.ID)
	pub := m.Public()
	return f, &pub, token, nil
}

func (s *Service) GetFamily(ctx context.Context, id string) (*Family, error) {
	d, err := s.store.Get(ctx, familyRef(id))
	if err != nil {
		return nil, fmt.Errorf("get family: %w", err)
	}
	if d == nil {
		return nil, apperr.NotFound("family %s not found", id)
	}
	var f Family
	if err := d.Decode(&f); err != nil {
		return nil, err
	}
	f.ID = d.ID
	return &f, nil
}

// ListFamilies returns every family, for the sweeps.
func (s *Service) ListFamilies(ctx context.Context) ([]Family, error) {
	docs, err := s.store.Query(ctx, docstore.Query{Collection: FamilyCollection})
	if err != nil {
		return nil, fmt.Errorf("list families: %w", err)
	}
	families := make([]Family, 0, len(docs))
	for _, d := range docs {
		var f Family
		if err := d.Decode(&f); err != nil {
			return nil, err
		}
		f.ID = d.ID
		families = append(families, f)
	}
	return families, nil
}

// AddMember creates a member in the actor's family and returns its token.
func (s *Service) AddMember(ctx context.Context, actor auth.AuthContext, name, role string) (*Member, string, error) {
	if !actor.IsParent() {
		return nil, "", apperr.Permission("only parents can add members")
	}
	name, err := cleanName(name, "name")
	if err != nil {
		return nil, "", err
	}
	if !auth.ValidRole(role) {
		return nil, "", apperr.Validation("role must be %q or %q", auth.RoleParent, auth.RoleAupair)
	}

	m := &Member{
		ID:        docstore.NewID(),
		FamilyID:  actor.FamilyID,
		Name:      name,
		Role:      role,
		CreatedAt: s.now(),
	}
	token, hash, err := s.newToken(m.ID)
	if err != nil {
		return nil, "", err
	}
	m.TokenHash = hash
	mdata, err := docstore.Encode(m)
	if err != nil {
		return nil, "", err
	}

	err = s.store.RunTransaction(ctx, func(tx *docstore.Tx) error {
		f, err := loadFamily(tx, actor.FamilyID)
		if err != nil {
			return err
		}
		tx.Create(memberRef(m.ID), m.FamilyID, mdata)
		if role == auth.RoleParent {
			tx.Update(familyRef(f.ID), map[string]any{"parents": append(f.Parents, m.ID)})
		}
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("add member: %w", err)
	}

	pub := m.Public()
	return &pub, token, nil
}

func loadFamily(tx *docstore.Tx, id string) (*Family, error) {
	d, err := tx.Get(familyRef(id))
	if err != nil {
		return nil, fmt.Errorf("get family: %w", err)
	}
	if d == nil {
		return nil, apperr.NotFound("family %s not found", id)
	}
	var f Family
	if err := d.Decode(&f); err != nil {
		return nil, err
	}
	f.ID = d.ID
	return &f, nil
}

func (s *Service) GetMember(ctx context.Context, familyID, id string) (*Member, error) {
	d, err := s.store.Get(ctx, memberRef(id))
	if err != nil {
		return nil, fmt.Errorf("get member: %w", err)
	}
	if d == nil || d.FamilyID != familyID {
		return nil, apperr.NotFound("member %s not found", id)
	}
	var m Member
	if err := d.Decode(&m); err != nil {
		return nil, err
	}
	m.ID = d.ID
	m.FamilyID = d.FamilyID
	return &m, nil
}

// ListMembers returns the family's members by name, without token hashes.
func (s *Service) ListMembers(ctx context.Context, familyID string) ([]Member, error) {
	docs, err := s.store.Query(ctx, docstore.Query{Collection: MemberCollection, FamilyID: familyID})
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	members := make([]Member, 0, len(docs))
	for _, d := range docs {
		var m Member
		if err := d.Decode(&m); err != nil {
			return nil, err
		}
		m.ID = d.ID
		m.FamilyID = d.FamilyID
		members = append(members, m.Public())
	}
	sort.Slice(members, func(i, j int) bool {
		return strings.ToLower(members[i].Name) < strings.ToLower(members[j].Name)
	})
	return members, nil
}

// ParentIDs returns the ids of the family's parents.
func (s *Service) ParentIDs(ctx context.Context, familyID string) ([]string, error) {
	f, err := s.GetFamily(ctx, familyID)
	if err != nil {
		return nil, err
	}
	return f.Parents, nil
}

// AreMembers reports whether every id belongs to the family.
func (s *Service) AreMembers(ctx context.Context, familyID string, ids []string) (bool, error) {
	for _, id := range ids {
		d, err := s.store.Get(ctx, memberRef(id))
		if err != nil {
			return false, fmt.Errorf("get member: %w", err)
		}
		if d == nil || d.FamilyID != familyID {
			return false, nil
		}
	}
	return true, nil
}

// RemoveMember deletes a member. The family's last parent cannot be
// removed; the parent list on the family document makes concurrent removals
// of the last two parents conflict instead of both succeeding.
func (s *Service) RemoveMember(ctx context.Context, actor auth.AuthContext, id string) error {
	if !actor.IsParent() {
		return apperr.Permission("only parents can remove members")
	}
	err := s.store.RunTransaction(ctx, func(tx *docstore.Tx) error {
		d, err := tx.Get(memberRef(id))
		if err != nil {
			return fmt.Errorf("get member: %w", err)
		}
		if d == nil || d.FamilyID != actor.FamilyID {
			return apperr.NotFound("member %s not found", id)
		}
		f, err := loadFamily(tx, actor.FamilyID)
		if err != nil {
			return err
		}
		if slices.Contains(f.Parents, id) {
			if len(f.Parents) == 1 {
				return apperr.Conflict("cannot remove the last parent")
			}
			parents := slices.DeleteFunc(slices.Clone(f.Parents), func(p string) bool { return p == id })
			tx.Update(familyRef(f.ID), map[string]any{"parents": parents})
		}
		tx.Delete(memberRef(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}

	s.forget(id)
	return nil
}

// ReissueToken replaces a member's token. Members may reissue their own;
// parents may reissue anyone's in the family.
func (s *Service) ReissueToken(ctx context.Context, actor auth.AuthContext, id string) (string, error) {
	if actor.MemberID != id && !actor.IsParent() {
		return "", apperr.Permission("only parents can reissue other members' tokens")
	}
	token, hash, err := s.newToken(id)
	if err != nil {
		return "", err
	}
	err = s.store.RunTransaction(ctx, func(tx *docstore.Tx) error {
		d, err := tx.Get(memberRef(id))
		if err != nil {
			return fmt.Errorf("get member: %w", err)
		}
		if d == nil || d.FamilyID != actor.FamilyID {
			return apperr.NotFound("member %s not found", id)
		}
		tx.Update(memberRef(id), map[string]any{"tokenHash": hash})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("reissue token: %w", err)
	}
	s.forget(id)
	return token, nil
}

// Authenticate resolves a bearer token to the member it belongs to.
func (s *Service) Authenticate(ctx context.Context, token string) (auth.AuthContext, error) {
	memberID, secret, ok := strings.Cut(token, ".")
	if !ok || memberID == "" || secret == "" {
		return auth.AuthContext{}, ErrInvalidToken
	}

	key := sha256.Sum256([]byte(token))
	now := time.Now()
	s.mu.Lock()
	c, hit := s.cache[key]
	generation := s.revocations[memberID]
	s.mu.Unlock()
	if hit && now.Before(c.expires) {
		return c.ac, nil
	}

	d, err := s.store.Get(ctx, memberRef(memberID))
	if err != nil {
		return auth.AuthContext{}, fmt.Errorf("authenticate: %w", err)
	}
	if d == nil {
		return auth.AuthContext{}, ErrInvalidToken
	}
	var m Member
	if err := d.Decode(&m); err != nil {
		return auth.AuthContext{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(m.TokenHash), []byte(secret)); err != nil {
		return auth.AuthContext{}, ErrInvalidToken
	}

	ac := auth.AuthContext{MemberID: d.ID, FamilyID: d.FamilyID, Role: m.Role}
	if s.beforeCache != nil {
		s.beforeCache()
	}
	s.mu.Lock()
	if s.revocations[memberID] == generation {
		s.cache[key] = cachedAuth{ac: ac, expires: now.Add(s.opts.CacheTTL)}
	}
	s.mu.Unlock()
	return ac, nil
}

// forget drops cached authentications for a member.
func (s *Service) forget(memberID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revocations[memberID]++
	for k, c := range s.cache {
		if c.ac.MemberID == memberID {
			delete(s.cache, k)
		}
	}
}
