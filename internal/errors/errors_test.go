package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func allSentinels() []error {
	return []error{
		ErrValidation,
		ErrIdentityMismatch,
		ErrIO,
		ErrFolderNotFound,
		ErrStoreNotInitialized,
	}
}

func TestSentinelErrors_ImplementErrorInterface(t *testing.T) {
	for _, err := range allSentinels() {
		assert.NotEmpty(t, err.Error(), "sentinel error should have non-empty message")
	}
}

func TestSentinelErrors_AreDistinct(t *testing.T) {
	sentinels := allSentinels()
	for i := 0; i < len(sentinels); i++ {
		for j := i + 1; j < len(sentinels); j++ {
			assert.NotErrorIs(t, sentinels[i], sentinels[j],
				"sentinel errors should be distinct: %q vs %q", sentinels[i], sentinels[j])
		}
	}
}

func TestSentinelErrors_SurviveWrapping(t *testing.T) {
	for _, err := range allSentinels() {
		wrapped := fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", err))
		assert.True(t, errors.Is(wrapped, err))
	}
}
