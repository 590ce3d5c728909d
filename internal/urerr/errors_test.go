package urerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap_PreservesCategory(t *testing.T) {
	err := Wrap(ErrTimeout, "reply after %dms", 5000)

	assert.True(t, errors.Is(err, ErrTimeout))
	assert.False(t, errors.Is(err, ErrAborted))
	assert.Equal(t, "timeout: reply after 5000ms", err.Error())
}

func TestWrap_SurvivesFurtherWrapping(t *testing.T) {
	inner := Wrap(ErrProtocol, "bad frame")
	outer := fmt.Errorf("reading sample: %w", inner)

	assert.True(t, errors.Is(outer, ErrProtocol))
}

func TestCategoriesAreDistinct(t *testing.T) {
	kinds := []error{
		ErrConnection, ErrConfig, ErrProtocol, ErrRobotState,
		ErrTimeout, ErrAborted, ErrRejected, ErrService,
	}
	for i, a := range kinds {
		for j, b := range kinds {
			if i != j {
				assert.False(t, errors.Is(a, b), "%v matched %v", a, b)
			}
		}
	}
}
