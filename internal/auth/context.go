package auth

import "context"

type subjectKey struct{}

// WithSubject attaches the authenticated operator to ctx. A nil subject leaves ctx unchanged.
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.normalise()
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext returns the operator attached by Require, or nil when
// the request was not authenticated (for example when auth is disabled).
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(subjectKey{}).(*Subject)
	return subject
}

// Operator returns the username recorded against jobs and approval
// decisions. It is empty for unauthenticated requests.
func Operator(ctx context.Context) string {
	if subject := SubjectFromContext(ctx); subject != nil {
		return subject.Username
	}
	return ""
}
