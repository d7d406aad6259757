package mbox

import "github.com/infodancer/mda"

func init() {
	mda.Register(mda.FormatMbox, func(cfg mda.Config) (mda.Writer, error) {
		return New(cfg)
	})
}
