package slotstore

// SetBeforeRename installs a hook that runs between verifying the temporary
// file and replacing the slot file.
func (b *FileBackend) SetBeforeRename(fn func(path string) error) {
	b.beforeRename = fn
}
