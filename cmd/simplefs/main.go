// Command simplefs is the offline tooling for simplefs images: format
// an image or journal device, show image information, and verify the
// structural invariants of an image.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"gopkg.in/djherbis/times.v1"

	"github.com/diskfs/go-simplefs/backend"
	backendfile "github.com/diskfs/go-simplefs/backend/file"
	"github.com/diskfs/go-simplefs/filesystem/simplefs"
)

func main() {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	simplefs.SetLogger(logger)

	app := &cli.App{
		Name:  "simplefs",
		Usage: "format and inspect simplefs images",
		Commands: []*cli.Command{
			{
				Name:      "mkfs",
				Usage:     "format a device or image file",
				ArgsUsage: "<device-or-image>",
				Flags: []cli.Flag{
					&cli.Int64Flag{
						Name:  "size",
						Usage: "create the image file with this size in bytes",
					},
				},
				Action: mkfs,
			},
			{
				Name:      "mkjournal",
				Usage:     "format an external journal device",
				ArgsUsage: "<device-or-image>",
				Flags: []cli.Flag{
					&cli.Int64Flag{
						Name:  "size",
						Usage: "create the journal image file with this size in bytes",
					},
				},
				Action: mkjournal,
			},
			{
				Name:      "info",
				Usage:     "show superblock counters and image file times",
				ArgsUsage: "<device-or-image>",
				Flags:     journalFlags(),
				Action:    info,
			},
			{
				Name:      "check",
				Usage:     "verify the structural invariants of an image",
				ArgsUsage: "<device-or-image>",
				Flags:     journalFlags(),
				Action:    check,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		logger.Fatal(err)
	}
}

func journalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "options",
			Usage: "mount options, e.g. journal_path=/dev/sdb",
		},
	}
}

func openTarget(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one device or image argument")
	}
	return c.Args().First(), nil
}

func mkfs(c *cli.Context) error {
	path, err := openTarget(c)
	if err != nil {
		return err
	}
	dev, err := openOrCreate(path, c.Int64("size"))
	if err != nil {
		return err
	}
	defer dev.Close()
	return simplefs.Create(dev)
}

func mkjournal(c *cli.Context) error {
	path, err := openTarget(c)
	if err != nil {
		return err
	}
	dev, err := openOrCreate(path, c.Int64("size"))
	if err != nil {
		return err
	}
	defer dev.Close()
	return simplefs.FormatJournal(dev)
}

func openOrCreate(path string, size int64) (backend.BlockDevice, error) {
	if size > 0 {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return backendfile.CreateFromPath(path, size)
		}
	}
	return backendfile.OpenFromPath(path, false)
}

func mount(c *cli.Context, readOnly bool) (*simplefs.FileSystem, error) {
	path, err := openTarget(c)
	if err != nil {
		return nil, err
	}
	dev, err := backendfile.OpenFromPath(path, readOnly)
	if err != nil {
		return nil, err
	}
	opts := &simplefs.Options{}
	if s := c.String("options"); s != "" {
		if opts, err = simplefs.ParseOptions(s); err != nil {
			dev.Close()
			return nil, err
		}
	}
	opts.ReadOnly = readOnly
	fs, err := simplefs.Mount(dev, opts)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return fs, nil
}

func info(c *cli.Context) error {
	fs, err := mount(c, true)
	if err != nil {
		return err
	}
	defer fs.Unmount()

	stat := fs.Stat()
	fmt.Printf("magic:        %#x\n", stat.Magic)
	fmt.Printf("block size:   %d\n", stat.BlockSize)
	fmt.Printf("blocks:       %d (%d free)\n", stat.Blocks, stat.FreeBlocks)
	fmt.Printf("inodes:       %d (%d free)\n", stat.Inodes, stat.FreeInodes)
	fmt.Printf("name length:  %d\n", stat.NameLen)

	// image file timestamps, when the image is a plain file
	if ts, err := times.Stat(c.Args().First()); err == nil {
		fmt.Printf("image atime:  %s\n", ts.AccessTime())
		fmt.Printf("image mtime:  %s\n", ts.ModTime())
		if ts.HasChangeTime() {
			fmt.Printf("image ctime:  %s\n", ts.ChangeTime())
		}
	}
	return nil
}

func check(c *cli.Context) error {
	fs, err := mount(c, true)
	if err != nil {
		return err
	}
	defer fs.Unmount()

	if err := fs.Check(); err != nil {
		return err
	}
	fmt.Println("image is consistent")
	return nil
}
