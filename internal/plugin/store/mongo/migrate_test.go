package mongo

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

func TestIsNamespaceExists(t *testing.T) {
	require.True(t, isNamespaceExists(mongo.CommandError{Code: 48, Name: "NamespaceExists"}))
	require.True(t, isNamespaceExists(fmt.Errorf("create: %w", mongo.CommandError{Name: "NamespaceExists"})))
	require.False(t, isNamespaceExists(mongo.CommandError{Code: 13, Name: "Unauthorized"}))
	require.False(t, isNamespaceExists(errors.New("connection refused")))
	require.False(t, isNamespaceExists(nil))
}
