// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package upstream

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	// SecureBufferSize is the mlocked buffer for one streamed reply.
	// 512 KB covers roughly 131,000 tokens at 4 bytes per token.
	SecureBufferSize = 512 * 1024

	// MinMlockLimitKB is the minimum mlock limit required, in KB.
	MinMlockLimitKB = 512

	// insecureMemoryEnv acknowledges running without mlocked memory.
	insecureMemoryEnv = "RELAY_INSECURE_MEMORY"
)

var (
	memguardInitOnce    sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64
)

// TokenAccumulator assembles a streamed reply token by token.
//
// # Description
//
// Tokens land in mlocked memory so a partially assembled reply cannot
// swap to disk, and are hashed incrementally as they arrive. Finalize
// returns the full reply and its SHA-256 hash, then wipes the buffer;
// the hash rides on the turn_complete frame so the client can verify
// the tokens it assembled.
//
// # Thread Safety
//
// Implementations are safe for concurrent use, though a reply streams
// from a single goroutine in practice.
type TokenAccumulator interface {
	// Write appends a token. Fails once the buffer would overflow;
	// an overflowed accumulator cannot be finalized.
	Write(token string) error

	// Finalize returns the reply and its hex SHA-256, then wipes the
	// buffer. The accumulator is unusable afterwards.
	Finalize() (answer string, contentHash string, err error)

	// Destroy wipes the buffer without returning data. Idempotent;
	// the error-path counterpart of Finalize.
	Destroy()

	// ID identifies this accumulator in logs.
	ID() string
}

// NewTokenAccumulator returns a secure accumulator, or the insecure
// fallback when mlock limits are too low and RELAY_INSECURE_MEMORY=true
// acknowledges the risk.
//
// # Outputs
//
//   - TokenAccumulator: Ready for use.
//   - error: Non-nil if mlock limits are insufficient and the insecure
//     fallback was not enabled.
func NewTokenAccumulator() (TokenAccumulator, error) {
	initMemguard()

	if !mlockSufficient {
		if os.Getenv(insecureMemoryEnv) == "true" {
			return newInsecureAccumulator(), nil
		}
		return nil, fmt.Errorf(
			"mlock limit insufficient: have %d KB, need %d KB. "+
				"Raise the limit or set %s=true",
			currentMlockLimitKB, MinMlockLimitKB, insecureMemoryEnv,
		)
	}

	buf := memguard.NewBuffer(SecureBufferSize)
	if buf == nil {
		return nil, fmt.Errorf("failed to allocate secure buffer of %d bytes", SecureBufferSize)
	}
	buf.Melt()

	acc := &secureAccumulator{
		id:     uuid.NewString(),
		buffer: buf,
		hasher: sha256.New(),
	}
	slog.Debug("created secure token accumulator", "accumulator_id", acc.id)
	return acc, nil
}

// PurgeSecureMemory wipes all memguard-allocated memory. Called during
// graceful shutdown; every live accumulator is invalid afterwards.
func PurgeSecureMemory() {
	memguard.Purge()
	slog.Info("purged all secure memory")
}

// MlockAvailable reports whether secure accumulators can be allocated,
// along with the current mlock limit in KB (-1 if unlimited).
func MlockAvailable() (bool, int64) {
	initMemguard()
	return mlockSufficient, currentMlockLimitKB
}

func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		if mlockSufficient {
			slog.Info("secure memory initialized",
				"mlock_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
			)
		} else {
			slog.Warn("mlock limit insufficient for secure memory",
				"current_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
				"env_override", insecureMemoryEnv+"=true",
			)
		}
	})
}

func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

// secureAccumulator stores tokens in a mlocked memguard buffer with
// guard pages and canaries, wiping on destroy.
type secureAccumulator struct {
	id        string
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func (a *secureAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("secure buffer overflow: response too large")
	}

	tokenBytes := []byte(token)
	if a.offset+len(tokenBytes) > SecureBufferSize {
		a.overflow = true
		return fmt.Errorf("secure buffer overflow: need %d bytes, have %d remaining",
			len(tokenBytes), SecureBufferSize-a.offset)
	}

	copy(a.buffer.Bytes()[a.offset:], tokenBytes)
	a.offset += len(tokenBytes)
	// Hash as tokens arrive so nothing sits unhashed.
	a.hasher.Write(tokenBytes)
	return nil
}

func (a *secureAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	answer := string(a.buffer.Bytes()[:a.offset])
	contentHash := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()

	slog.Debug("finalized secure token accumulator",
		"accumulator_id", a.id,
		"answer_length", len(answer),
	)
	return answer, contentHash, nil
}

func (a *secureAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}
	a.wipe()
	slog.Debug("destroyed secure token accumulator", "accumulator_id", a.id)
}

func (a *secureAccumulator) ID() string { return a.id }

func (a *secureAccumulator) wipe() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

// insecureAccumulator is the fallback for systems without sufficient
// mlock. Same contract, ordinary Go memory, best-effort zeroing; data
// may be swapped to disk.
type insecureAccumulator struct {
	id        string
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func newInsecureAccumulator() *insecureAccumulator {
	acc := &insecureAccumulator{
		id:     uuid.NewString(),
		data:   make([]byte, 0, SecureBufferSize),
		hasher: sha256.New(),
	}
	slog.Warn("created INSECURE token accumulator, data may be swapped to disk",
		"accumulator_id", acc.id,
	)
	return acc
}

func (a *insecureAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("buffer overflow: response too large")
	}

	tokenBytes := []byte(token)
	if len(a.data)+len(tokenBytes) > SecureBufferSize {
		a.overflow = true
		return fmt.Errorf("buffer overflow: need %d bytes, have %d remaining",
			len(tokenBytes), SecureBufferSize-len(a.data))
	}

	a.data = append(a.data, tokenBytes...)
	a.hasher.Write(tokenBytes)
	return nil
}

func (a *insecureAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	answer := string(a.data)
	contentHash := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	return answer, contentHash, nil
}

func (a *insecureAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}
	a.wipe()
}

func (a *insecureAccumulator) ID() string { return a.id }

func (a *insecureAccumulator) wipe() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}
