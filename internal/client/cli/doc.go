// Package cli provides the interactive vault command-line client.
//
// It wires configuration, the local database, the gRPC client and a sync
// session behind a small REPL. Login tries the server first and falls back
// to the credentials cached by the last online login, so the vault stays
// usable offline; queued edits are synchronized once the server is back.
//
// Commands once logged in:
//
//	list <table>                  list live records
//	show <table> <id>             print one record
//	add <table>                   create a record (interactive)
//	edit <table> <id>             change fields (empty input keeps a value)
//	delete <table> <id>           delete a record
//	attach <table> <id> <path>    stage a file for a file or photo record
//	fetch <table> <id> <path>     download an uploaded attachment
//	sync                          synchronize now
//	status                        connectivity and queue state
//	pending                       list queued changes
//	retry                         re-enable changes that ran out of retries
//	conflicts                     list unresolved conflicts
//	resolve [all <choice>]        resolve conflicts (local, remote, merge, both)
//	stash [drop <id>]             list or drop stashed local versions
//	logout | exit
//
// The REPL is started via App.Run, which blocks until the user exits.
package cli
