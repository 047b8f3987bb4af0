package clients

import "context"

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// UserIDKey is the context key for user ID (for X-User-ID header)
	UserIDKey contextKey = "user-id"

	// ExperimentIDKey is the context key for experiment ID
	ExperimentIDKey contextKey = "experiment-id"
)

// WithUserID adds a user ID to the context
// It is extracted and sent as the X-User-ID header in HTTP requests
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID retrieves the user ID from context
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok && userID != ""
}

// WithExperimentID adds an experiment ID to the context
func WithExperimentID(ctx context.Context, experimentID string) context.Context {
	return context.WithValue(ctx, ExperimentIDKey, experimentID)
}

// GetExperimentID retrieves the experiment ID from context
func GetExperimentID(ctx context.Context) (string, bool) {
	experimentID, ok := ctx.Value(ExperimentIDKey).(string)
	return experimentID, ok && experimentID != ""
}
