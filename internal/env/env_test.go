package env_test

import (
	"testing"
	"time"

	"github.com/eskrenkovic/matchpoint/internal/env"

	"github.com/stretchr/testify/require"
)

func Test_GetString_Returns_ErrNotFound_When_Unset(t *testing.T) {
	// Act
	_, err := env.GetString("MATCHPOINT_TEST_UNSET_KEY")

	// Assert
	require.ErrorIs(t, err, env.ErrNotFound)
}

func Test_GetIntOrDefault_Parses_Value(t *testing.T) {
	// Arrange
	t.Setenv("MATCHPOINT_TEST_INT", "7")

	// Act
	val, err := env.GetIntOrDefault("MATCHPOINT_TEST_INT", 3)

	// Assert
	require.NoError(t, err)
	require.Equal(t, 7, val)
}

func Test_GetIntOrDefault_Returns_ErrConversionFailed_When_Not_A_Number(t *testing.T) {
	// Arrange
	t.Setenv("MATCHPOINT_TEST_INT", "seven")

	// Act
	_, err := env.GetIntOrDefault("MATCHPOINT_TEST_INT", 3)

	// Assert
	require.ErrorIs(t, err, env.ErrConversionFailed)
}

func Test_GetDurationOrDefault_Uses_Default_When_Unset(t *testing.T) {
	// Act
	val, err := env.GetDurationOrDefault("MATCHPOINT_TEST_UNSET_DURATION", time.Second)

	// Assert
	require.NoError(t, err)
	require.Equal(t, time.Second, val)
}

func Test_MustGetString_Panics_When_Unset(t *testing.T) {
	require.Panics(t, func() { env.MustGetString("MATCHPOINT_TEST_UNSET_KEY") })
}
