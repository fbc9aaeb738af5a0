package util

import (
	"github.com/coreos/go-systemd/v22/daemon"
)

// Notify sends state to systemd. Outside of a notify-type unit it does nothing.
func Notify(state string) error {
	_, err := daemon.SdNotify(false, state)
	return err
}
