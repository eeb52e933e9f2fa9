package common

import (
	"github.com/go-errors/errors"
)

var errWalDown = errors.Errorf("write-ahead log sink is down")

func NewErrWalDown() error {
	return errors.New(errWalDown)
}

func IsErrWalDown(e error) bool {
	return errors.Is(e, errWalDown)
}

var errNotLeader = errors.Errorf("not currently in leader state")

func NewErrNotLeader() error {
	return errors.New(errNotLeader)
}

func IsErrNotLeader(e error) bool {
	return errors.Is(e, errNotLeader)
}

var errStopped = errors.Errorf("node is stopped")

func NewErrStopped() error {
	return errors.New(errStopped)
}

func IsErrStopped(e error) bool {
	return errors.Is(e, errStopped)
}

var errNoEntry = errors.Errorf("no entry at requested index")

func NewErrNoEntry() error {
	return errors.New(errNoEntry)
}

func IsErrNoEntry(e error) bool {
	return errors.Is(e, errNoEntry)
}

var errCorruptRecord = errors.Errorf("record failed checksum validation")

func NewErrCorruptRecord() error {
	return errors.New(errCorruptRecord)
}

func IsErrCorruptRecord(e error) bool {
	return errors.Is(e, errCorruptRecord)
}

var errInvalidClusterChange = errors.Errorf("cluster changes must add or remove exactly one server")

func NewErrInvalidClusterChange() error {
	return errors.New(errInvalidClusterChange)
}

func IsErrInvalidClusterChange(e error) bool {
	return errors.Is(e, errInvalidClusterChange)
}

var errClusterChangeInFlight = errors.Errorf("a cluster change is already in flight")

func NewErrClusterChangeInFlight() error {
	return errors.New(errClusterChangeInFlight)
}

func IsErrClusterChangeInFlight(e error) bool {
	return errors.Is(e, errClusterChangeInFlight)
}
