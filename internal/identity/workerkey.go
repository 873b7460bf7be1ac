package identity

import (
	"crypto/sha256"
	"crypto/subtle"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/bcrypt"
)

// WorkerKeyHeader carries the shared key automation workers present.
const WorkerKeyHeader = "X-Worker-Key"

// WorkerKeys checks the key presented by automation workers against either
// a plain configured key or a bcrypt hash of it. Successful bcrypt checks
// are remembered briefly so a busy worker does not pay for one per request.
type WorkerKeys struct {
	plain    []byte
	hash     []byte
	verified *expirable.LRU[[sha256.Size]byte, struct{}]
}

func NewWorkerKeys(plain, bcryptHash string) *WorkerKeys {
	return &WorkerKeys{
		plain:    []byte(plain),
		hash:     []byte(bcryptHash),
		verified: expirable.NewLRU[[sha256.Size]byte, struct{}](64, nil, 5*time.Minute),
	}
}

// Enabled reports whether any key is configured. With none, every worker
// request is refused.
func (k *WorkerKeys) Enabled() bool {
	return len(k.plain) > 0 || len(k.hash) > 0
}

func (k *WorkerKeys) Verify(presented string) bool {
	if presented == "" {
		return false
	}
	if len(k.hash) > 0 {
		sum := sha256.Sum256([]byte(presented))
		if _, ok := k.verified.Get(sum); ok {
			return true
		}
		if bcrypt.CompareHashAndPassword(k.hash, []byte(presented)) != nil {
			return false
		}
		k.verified.Add(sum, struct{}{})
		return true
	}
	if len(k.plain) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(k.plain, []byte(presented)) == 1
}

// HashWorkerKey returns the bcrypt hash to store as the worker key hash.
func HashWorkerKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	return string(h), err
}
