package stt

import (
	"context"
	"fmt"
)

type PermissionStatus string

const (
	PermissionGranted PermissionStatus = "granted"
	PermissionDenied  PermissionStatus = "denied"
	PermissionUnknown PermissionStatus = "unknown"
	// PermissionAssumed is reported by platforms that do not gate microphone
	// access. It counts as granted.
	PermissionAssumed PermissionStatus = "assumed"
)

// Permissions is the platform layer answering whether the microphone may be
// used.
type Permissions interface {
	CheckMicrophone(ctx context.Context) (PermissionStatus, error)
	RequestMicrophone(ctx context.Context) (PermissionStatus, error)
}

// StaticPermissions answers with a fixed status. Requests turn unknown into
// granted.
type StaticPermissions struct {
	Status PermissionStatus
}

func (p StaticPermissions) CheckMicrophone(context.Context) (PermissionStatus, error) {
	if p.Status == "" {
		return PermissionAssumed, nil
	}
	return p.Status, nil
}

func (p StaticPermissions) RequestMicrophone(context.Context) (PermissionStatus, error) {
	if p.Status == PermissionDenied {
		return PermissionDenied, nil
	}
	return PermissionGranted, nil
}

func ensureMicrophone(ctx context.Context, p Permissions) error {
	if p == nil {
		return nil
	}
	status, err := p.CheckMicrophone(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermission, err)
	}
	if status == PermissionUnknown {
		status, err = p.RequestMicrophone(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPermission, err)
		}
	}
	switch status {
	case PermissionGranted, PermissionAssumed:
		return nil
	default:
		return ErrPermission
	}
}
