// mkcoreimg formats a fresh filesystem image file: a block device of
// the requested size with sector 0 holding an empty root inode and the
// remaining sectors free. Grounded on biscuit/src/mkfs/mkfs.go, the
// teacher's own image-formatting tool, scaled down to this core's
// scope (no directory tree, no log blocks — those belong to the
// userland filesystem this core doesn't implement).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"vmcore/bcache"
	"vmcore/blockdev"
	"vmcore/freemap"
	"vmcore/inode"
)

func main() {
	path := flag.String("out", "", "path to the image file to create")
	sectors := flag.Int("sectors", 16384, "total sectors in the image (512 bytes each)")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "mkcoreimg: -out is required")
		os.Exit(1)
	}

	if err := run(*path, *sectors); err != nil {
		fmt.Fprintln(os.Stderr, "mkcoreimg:", err)
		os.Exit(1)
	}
}

func run(path string, sectors int) error {
	dev, err := blockdev.OpenFile(path, sectors, blockdev.RoleFilesys)
	if err != nil {
		return err
	}
	defer dev.Close()

	cache := bcache.New(64, 1_000_000)
	defer cache.Shutdown()

	free := freemap.New(uint(sectors), 1)
	fs := inode.NewFS(dev, cache, free)

	if err := fs.Create(context.Background(), 0, 0); err != nil {
		return err
	}

	fmt.Printf("mkcoreimg: wrote %s, %d sectors, root inode at sector 0\n", path, sectors)
	return nil
}
