// Copyright © 2018 One Concern

package main

import (
	"github.com/oneconcern/buildfarm/cmd/buildfarm/cmd"
)

func main() {
	cmd.Execute()
}
