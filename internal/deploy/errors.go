// Package deploy creates or converges the function and its keep-warm
// schedule.
package deploy

import (
	"errors"
	"strings"

	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/smithy-go"
)

// ErrRoleNotAssumable marks the eventual-consistency window after role
// creation: the control plane rejects the role until the new identity
// has propagated. The create call is retried within a bounded budget.
var ErrRoleNotAssumable = errors.New("execution role not yet assumable")

// ErrCodeStorageExceeded is a fatal mismatch: the account's code
// storage quota cannot hold the artifact.
var ErrCodeStorageExceeded = errors.New("code storage quota exceeded")

// Classify maps a raw control-plane error onto the deployer's
// taxonomy. Unrecognized errors pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var invalidParam *lambdatypes.InvalidParameterValueException
	if errors.As(err, &invalidParam) {
		msg := invalidParam.ErrorMessage()
		if strings.Contains(msg, "cannot be assumed") || strings.Contains(msg, "assume") {
			return errors.Join(ErrRoleNotAssumable, err)
		}
	}

	var storage *lambdatypes.CodeStorageExceededException
	if errors.As(err, &storage) {
		return errors.Join(ErrCodeStorageExceeded, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "RequestEntityTooLargeException" {
		return errors.Join(ErrCodeStorageExceeded, err)
	}

	return err
}
