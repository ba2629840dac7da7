package model

import (
	"crypto/rand"
	"math/big"
)

// Identifier alphabets and default sizes. Collision probability at the
// expected generation rates is well below 1% for all of them.
const (
	projectAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	mixedAlphabet   = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	ProjectIDSize = 10
	WFIDSize      = 11
	ExecIDSize    = 14
	MachineIDSize = 10
)

// Caller-origin tags prepended to execution ids so logs reveal where a run
// was requested from.
const (
	ExecIDFirmWeb     = "web"
	ExecIDFirmDispat  = "dsp"
	ExecIDFirmDocker  = "dck"
	ExecIDFirmLocal   = "loc"
	ExecIDFirmMachine = "mch"
	ExecIDFirmBuild   = "bld"
)

func randomFrom(alphabet string, size int) string {
	max := big.NewInt(int64(len(alphabet)))
	b := make([]byte, size)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failing means the platform entropy source is
			// broken; nothing sensible to do but stop.
			panic(err)
		}
		b[i] = alphabet[n.Int64()]
	}
	return string(b)
}

// NewProjectID returns a 10-char lowercase alphanumeric project id.
func NewProjectID() string {
	return randomFrom(projectAlphabet, ProjectIDSize)
}

// NewWFID returns an 11-char alphanumeric workflow id.
func NewWFID() string {
	return randomFrom(mixedAlphabet, WFIDSize)
}

// NewTmpWFID returns a synthetic workflow id for on-demand runs that are
// not bound to a registered workflow.
func NewTmpWFID() string {
	return "tmp" + randomFrom(mixedAlphabet, 8)
}

// NewExecID returns a 14-char alphanumeric execution id.
func NewExecID() string {
	return randomFrom(mixedAlphabet, ExecIDSize)
}

// FirmExecID returns an execution id tagged with a caller-origin firm,
// e.g. "web.x7Jq...". An empty firm yields a bare execid.
func FirmExecID(firm string) string {
	if firm == "" {
		return NewExecID()
	}
	return firm + "." + NewExecID()
}

// NewMachineID returns a lowercase alphanumeric machine id.
func NewMachineID() string {
	return randomFrom(projectAlphabet, MachineIDSize)
}
