// Package maildir delivers messages into Maildir directories.
//
// Each message becomes one file. It is written and fsynced under tmp/, then
// hard-linked into new/ under a name that is never reused, so readers only
// ever see complete messages and concurrent deliveries need no lock:
//
//	mailbox/
//	├── new/     # Newly delivered messages
//	├── cur/     # Messages that have been seen
//	└── tmp/     # Temporary files during delivery
//
// Missing maildirs are created on first delivery. The package registers
// itself with mda under the name "maildir". Import it with a blank
// identifier to enable maildir support:
//
//	import _ "github.com/infodancer/mda/maildir"
package maildir
