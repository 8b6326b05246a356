package dav

import "context"

// Plugin extends a Server by registering event listeners in Initialize.
type Plugin interface {
	Name() string
	Initialize(s *Server)
}

// FeatureProvider contributes compliance classes to the DAV header.
type FeatureProvider interface {
	Features() []string
}

// MethodProvider contributes verbs to the Allow header for a path.
type MethodProvider interface {
	HTTPMethods(ctx context.Context, path string) []string
}

// ReportProvider contributes to {DAV:}supported-report-set.
type ReportProvider interface {
	SupportedReports(ctx context.Context, path string, node Node) []string
}

// PrivilegeChecker verifies the current principal holds privileges on a
// path. It is installed by the ACL plugin.
type PrivilegeChecker interface {
	CheckPrivileges(ctx context.Context, path string, privileges ...string) error
}
