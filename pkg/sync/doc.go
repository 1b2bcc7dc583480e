/*
The sync package implements sftpwatch's mirroring algorithm. Each change to a
local path is handled on its own: the path is translated into a remote path,
and the remote copy is then written or deleted.

Translation is pure. Ignore rules are checked first, then the watched root is
stripped, and the first matching mapping rewrites the rest of the path.

Writes create any missing parent directories on the remote first, one level
at a time, and are retried as a whole if they fail. Deletes are best effort:
a failed delete is logged and forgotten, since the remote copy may never have
existed.

The Engine owns the connection state. Before each event it checks that the
connection is alive, and reconnects until it succeeds or is shut down.

Only files are mirrored. Directories are created as needed for the files
inside them, and empty directories aren't synced.
*/
package sync
