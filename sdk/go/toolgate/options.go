package toolgate

// WrapOption configures a single Wrap call.
type WrapOption func(*wrapConfig)

type wrapConfig struct {
	session     string
	user        string
	userRequest string
}

// WithSession pins the session id every call through this wrapper runs
// under. The default is one generated session per Wrap, so denial
// accumulation and quota apply across the wrapper's lifetime.
func WithSession(id string) WrapOption {
	return func(w *wrapConfig) { w.session = id }
}

// WithUser sets the user id on the submitting identity.
func WithUser(id string) WrapOption {
	return func(w *wrapConfig) { w.user = id }
}

// WithUserRequest sets the verbatim user request the wrapped calls
// serve. Calls fall back to the action's rationale when unset.
func WithUserRequest(text string) WrapOption {
	return func(w *wrapConfig) { w.userRequest = text }
}
