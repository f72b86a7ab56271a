package httpserver

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/fairyhunter13/llm-job-broker/internal/domain"
)

// Argon2Params defines parameters for Argon2id secret hashing
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

// DefaultArgon2Params is the production hashing cost; key provisioning
// tools share it so stored hashes verify with the fixed key length below.
var DefaultArgon2Params = Argon2Params{
	Memory:      64 * 1024, // 64 MB
	Iterations:  3,
	Parallelism: 2,
	SaltLen:     16,
	KeyLen:      32,
}

// HashSecret creates an Argon2id hash of an API key secret
func HashSecret(secret string, params Argon2Params) (string, error) {
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(secret), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLen)

	// Format: argon2id$iterations$memory$parallelism$salt$hash (base64 encoded)
	encoded := fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		params.Iterations,
		params.Memory,
		params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)

	return encoded, nil
}

// VerifySecret verifies a secret against its Argon2id hash
func VerifySecret(secret, encodedHash string) bool {
	// Expected format: argon2id$iterations$memory$parallelism$salt$hash (base64 raw std for salt/hash)
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false
	}
	// Parse numeric params
	iters64, err1 := parseUint32(parts[1])
	mem64, err2 := parseUint32(parts[2])
	par64, err3 := parseUint32(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	// Decode salt and hash
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expectedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	// Clamp parallelism to uint8 range to avoid overflow
	var par uint8
	if par64 > math.MaxUint8 {
		par = math.MaxUint8
	} else {
		par = uint8(par64)
	}
	keyLen := DefaultArgon2Params.KeyLen
	actualHash := argon2.IDKey([]byte(secret), salt, iters64, mem64, par, keyLen)
	return subtle.ConstantTimeCompare(actualHash, expectedHash) == 1
}

// API keys are issued as ljb_<key_id>_<secret>. The key id indexes the
// stored row; only the argon2id hash of the secret is kept.
const apiKeyPrefix = "ljb"

func splitAPIKey(token string) (keyID, secret string, ok bool) {
	parts := strings.SplitN(token, "_", 3)
	if len(parts) != 3 || parts[0] != apiKeyPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

const (
	authCacheTTL = 5 * time.Minute
	authCacheMax = 4096
)

type cachedIdentity struct {
	id      domain.Identity
	expires time.Time
}

// Authenticator resolves bearer API keys to identities. Verified tokens are
// remembered for authCacheTTL because argon2id is deliberately slow; a
// revoked key therefore stays usable for at most that window.
type Authenticator struct {
	Keys   domain.APIKeyStore
	pepper []byte

	mu    sync.Mutex
	cache map[string]cachedIdentity
}

// NewAuthenticator creates an Authenticator. The pepper keys the cache-entry
// digests so raw token material never sits in process memory as a map key;
// an empty pepper falls back to a plain digest.
func NewAuthenticator(keys domain.APIKeyStore, pepper string) *Authenticator {
	return &Authenticator{
		Keys:   keys,
		pepper: []byte(pepper),
		cache:  make(map[string]cachedIdentity),
	}
}

// Authenticate resolves one bearer token to the principal it was issued to.
func (a *Authenticator) Authenticate(ctx domain.Context, token string) (domain.Identity, error) {
	keyID, secret, ok := splitAPIKey(token)
	if !ok {
		return domain.Identity{}, fmt.Errorf("%w: malformed api key", domain.ErrUnauthenticated)
	}

	ck := a.cacheKey(token)
	if id, hit := a.cached(ck); hit {
		return id, nil
	}

	key, err := a.Keys.FindByKeyID(ctx, keyID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Identity{}, fmt.Errorf("%w: unknown api key", domain.ErrUnauthenticated)
		}
		return domain.Identity{}, err
	}
	if !key.Active {
		return domain.Identity{}, fmt.Errorf("%w: api key disabled", domain.ErrUnauthenticated)
	}
	if !VerifySecret(secret, key.SecretHash) {
		return domain.Identity{}, fmt.Errorf("%w: api key rejected", domain.ErrUnauthenticated)
	}

	id := domain.Identity{TenantID: key.TenantID, UserID: key.UserID}
	a.remember(ck, id)
	return id, nil
}

func (a *Authenticator) cacheKey(token string) string {
	if len(a.pepper) > 0 {
		mac := hmac.New(sha256.New, a.pepper)
		mac.Write([]byte(token))
		return string(mac.Sum(nil))
	}
	sum := sha256.Sum256([]byte(token))
	return string(sum[:])
}

func (a *Authenticator) cached(ck string) (domain.Identity, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.cache[ck]
	if !ok {
		return domain.Identity{}, false
	}
	if time.Now().After(entry.expires) {
		delete(a.cache, ck)
		return domain.Identity{}, false
	}
	return entry.id, true
}

func (a *Authenticator) remember(ck string, id domain.Identity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.cache) >= authCacheMax {
		// Crude but sufficient; the next verifications repopulate hot keys.
		a.cache = make(map[string]cachedIdentity)
	}
	a.cache[ck] = cachedIdentity{id: id, expires: time.Now().Add(authCacheTTL)}
}

// identityKey is an unexported context key type for the principal.
type identityKey struct{}

// RequireAPIKey authenticates the bearer token and attaches the identity to
// the request context.
func (a *Authenticator) RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: missing bearer token", domain.ErrUnauthenticated), nil)
			return
		}
		id, err := a.Authenticate(r.Context(), token)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IdentityFrom returns the authenticated principal stored by RequireAPIKey.
func IdentityFrom(r *http.Request) (domain.Identity, bool) {
	id, ok := r.Context().Value(identityKey{}).(domain.Identity)
	return id, ok
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(prefix):])
	return token, token != ""
}

// checkQueueSecret compares the x-queue-secret header against the configured
// secret in constant time. Both sides are trimmed to survive
// trailing-newline secrets files.
func checkQueueSecret(r *http.Request, secret string) error {
	want := strings.TrimSpace(secret)
	if want == "" {
		return fmt.Errorf("%w: queue secret not configured", domain.ErrUnauthenticated)
	}
	got := strings.TrimSpace(r.Header.Get("X-Queue-Secret"))
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return fmt.Errorf("%w: queue secret mismatch", domain.ErrUnauthenticated)
	}
	return nil
}

// RequireQueueSecret guards machine-to-machine routes.
func RequireQueueSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := checkQueueSecret(r, secret); err != nil {
				writeError(w, r, err, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// parseUint32 parses a decimal string into uint32; returns error on failure
func parseUint32(s string) (uint32, error) {
	x, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse")
	}
	if x > math.MaxUint32 {
		return 0, fmt.Errorf("parse")
	}
	return uint32(x), nil
}
