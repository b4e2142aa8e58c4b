// Copyright © 2018 One Concern

package cmd

import (
	"context"

	"github.com/oneconcern/buildfarm/pkg/errors"
	"github.com/oneconcern/buildfarm/pkg/scheduler/status"
)

// expectedStop is true for errors returned by components stopped on purpose
func expectedStop(err error) bool {
	return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, status.ErrClosed)
}
