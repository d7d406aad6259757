package maildir

import "github.com/infodancer/mda"

func init() {
	mda.Register(mda.FormatMaildir, func(cfg mda.Config) (mda.Writer, error) {
		return New(cfg)
	})
}
