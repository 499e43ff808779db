// Package quota enforces per-account admission control ahead of a put or
// get: concurrent-operation caps, bandwidth and storage ceilings, and a
// sliding-window operations-per-minute rate limit, each tiered by account
// type.
package quota

import (
	"sync"
	"time"

	"github.com/meshvault/meshvault/pkg/constants"
	"github.com/meshvault/meshvault/pkg/verrors"
)

// AccountType selects which tier of limits applies to a user.
type AccountType int

const (
	Free AccountType = iota
	Premium
	Enterprise
)

// Limits is one account type's tiered quota configuration.
type Limits struct {
	MaxConcurrentOps    int
	MaxBandwidthPerHour uint64
	MaxStorage          uint64
	MaxFileSize         uint64
	OperationsPerMinute int
}

// LimitsFor returns the default Limits for an account type.
func LimitsFor(accountType AccountType) Limits {
	switch accountType {
	case Premium:
		return Limits{
			MaxConcurrentOps:    constants.PremiumMaxConcurrentOps,
			MaxBandwidthPerHour: constants.PremiumBandwidthPerHour,
			MaxStorage:          constants.PremiumMaxStorage,
			MaxFileSize:         constants.PremiumMaxFileSize,
			OperationsPerMinute: constants.PremiumOperationsPerMinute,
		}
	case Enterprise:
		return Limits{
			MaxConcurrentOps:    constants.EnterpriseMaxConcurrentOps,
			MaxBandwidthPerHour: constants.EnterpriseBandwidthPerHour,
			MaxStorage:          constants.EnterpriseMaxStorage,
			MaxFileSize:         constants.EnterpriseMaxFileSize,
			OperationsPerMinute: constants.EnterpriseOperationsPerMinute,
		}
	default:
		return Limits{
			MaxConcurrentOps:    constants.FreeMaxConcurrentOps,
			MaxBandwidthPerHour: constants.FreeBandwidthPerHour,
			MaxStorage:          constants.FreeMaxStorage,
			MaxFileSize:         constants.FreeMaxFileSize,
			OperationsPerMinute: constants.FreeOperationsPerMinute,
		}
	}
}

// Operation distinguishes an upload (storage/file-size limited) from any
// other admission-gated call.
type Operation int

const (
	OpRead Operation = iota
	OpUpload
)

type usage struct {
	accountType    AccountType
	currentOps     int
	bandwidthHour  uint64
	bandwidthReset time.Time
	storageUsed    uint64
	opsThisMinute  int
	opsReset       time.Time
}

// Service tracks per-user usage and enforces the tiered limits before
// admission, per the core's mandatory quota gate.
type Service struct {
	enabled bool

	mu    sync.Mutex
	usage map[string]*usage
}

// New creates a Service. When enabled is false every call is admitted
// unconditionally — used for single-node/offline operation where no
// account system is configured.
func New(enabled bool) *Service {
	return &Service{enabled: enabled, usage: make(map[string]*usage)}
}

// SetAccountType records which tier userID belongs to; defaults to Free if
// never set.
func (s *Service) SetAccountType(userID string, accountType AccountType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.userLocked(userID)
	u.accountType = accountType
}

func (s *Service) userLocked(userID string) *usage {
	u, ok := s.usage[userID]
	if !ok {
		now := time.Now()
		u = &usage{bandwidthReset: now, opsReset: now}
		s.usage[userID] = u
	}
	return u
}

// CheckAdmission enforces the tiered quota ahead of an operation of size
// dataSize bytes, returning a *verrors.Error with Kind Quota (optionally
// carrying RetryAfter) on denial, or nil if admitted.
func (s *Service) CheckAdmission(userID string, op Operation, dataSize uint64) error {
	if !s.enabled {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.userLocked(userID)
	s.rollWindowsLocked(u)
	limits := LimitsFor(u.accountType)

	if u.currentOps >= limits.MaxConcurrentOps {
		return quotaError("concurrent operation limit reached", constants.QuotaRetryAfterCeil)
	}
	if u.bandwidthHour+dataSize > limits.MaxBandwidthPerHour {
		return quotaError("bandwidth quota exceeded", s.bandwidthResetIn(u))
	}
	if u.opsThisMinute >= limits.OperationsPerMinute {
		return quotaError("rate limit exceeded", s.rateLimitResetIn(u))
	}
	if op == OpUpload {
		if u.storageUsed+dataSize > limits.MaxStorage {
			return verrors.NewQuotaError("storage quota exceeded")
		}
		if dataSize > limits.MaxFileSize {
			return verrors.NewQuotaError("file size exceeds account limit")
		}
	}

	return nil
}

// BeginOperation records the start of an admitted operation, incrementing
// the concurrent-operation and rate-limit counters. Pair with EndOperation.
func (s *Service) BeginOperation(userID string, dataSize uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.userLocked(userID)
	u.currentOps++
	u.opsThisMinute++
	u.bandwidthHour += dataSize
}

// EndOperation releases the concurrency slot acquired by BeginOperation.
func (s *Service) EndOperation(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.userLocked(userID)
	if u.currentOps > 0 {
		u.currentOps--
	}
}

// RecordStorage adjusts the persistent storage usage tracked for userID,
// called on successful put/delete rather than on admission.
func (s *Service) RecordStorage(userID string, delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.userLocked(userID)
	if delta < 0 && uint64(-delta) > u.storageUsed {
		u.storageUsed = 0
		return
	}
	u.storageUsed = uint64(int64(u.storageUsed) + delta)
}

func (s *Service) rollWindowsLocked(u *usage) {
	now := time.Now()
	if now.Sub(u.bandwidthReset) >= constants.QuotaBandwidthWindow {
		u.bandwidthHour = 0
		u.bandwidthReset = now
	}
	if now.Sub(u.opsReset) >= constants.QuotaRateLimitWindow {
		u.opsThisMinute = 0
		u.opsReset = now
	}
}

func (s *Service) bandwidthResetIn(u *usage) time.Duration {
	remaining := constants.QuotaBandwidthWindow - time.Since(u.bandwidthReset)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (s *Service) rateLimitResetIn(u *usage) time.Duration {
	remaining := constants.QuotaRateLimitWindow - time.Since(u.opsReset)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func quotaError(message string, retryAfter time.Duration) error {
	err := verrors.NewQuotaError(message)
	return err.WithRetryAfter(retryAfter)
}
