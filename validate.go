package iris

import (
	"strings"

	ierr "github.com/project-iris/iris-go/internal/errors"
)

// validateRemoteCluster is applied to every cluster name a Connection
// addresses broadcasts or requests to, and to the cluster a tunnel is
// opened against.
func validateRemoteCluster(name string) error {
	if name == "" {
		return &ierr.ValidationError{Field: "cluster", Message: "must not be empty"}
	}
	return nil
}

// validateLocalCluster is applied once, to the cluster name a service
// registers under. Unlike remote cluster names it must also not
// contain a colon, which the relay reserves as a separator.
func validateLocalCluster(name string) error {
	if name == "" {
		return &ierr.ValidationError{Field: "cluster", Message: "must not be empty"}
	}
	if strings.Contains(name, ":") {
		return &ierr.ValidationError{Field: "cluster", Message: "must not contain ':'"}
	}
	return nil
}

// validateTopic is applied to every topic name passed to Subscribe,
// Unsubscribe or Publish.
func validateTopic(name string) error {
	if name == "" {
		return &ierr.ValidationError{Field: "topic", Message: "must not be empty"}
	}
	return nil
}
