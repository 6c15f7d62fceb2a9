package kube

import (
	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// Status codes treated as success are decided here and nowhere else:
// a create that finds the object already there and a delete that finds it
// already gone both leave the cluster in the requested state.

// IgnoreAlreadyExists returns nil when err reports an existing object.
func IgnoreAlreadyExists(err error) error {
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

// IgnoreNotFound returns nil when err reports a missing or already removed object.
func IgnoreNotFound(err error) error {
	if apierrors.IsNotFound(err) || apierrors.IsGone(err) {
		return nil
	}
	return err
}
