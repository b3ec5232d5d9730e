package main

import (
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	"github.com/dsoprea/go-exfatfs"
)

type rootParameters struct {
	FilesystemFilepath string `short:"f" long:"filesystem-filepath" description:"File-path of exFAT filesystem" required:"true"`
	InputFilepath      string `short:"i" long:"input-filepath" description:"Local file-path to copy in" required:"true"`
	TargetPath         string `short:"t" long:"target-path" description:"Destination path on the volume (use forward slashes)" required:"true"`
}

var (
	rootArguments = new(rootParameters)
)

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(-1)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		os.Exit(1)
	}

	data, err := os.ReadFile(rootArguments.InputFilepath)
	log.PanicIf(err)

	opt, err := exfat.ParseOptions([]string{"--mode=rw", "--repair=yes"})
	log.PanicIf(err)

	vol, err := exfat.Mount(rootArguments.FilesystemFilepath, opt, nil, nil)
	log.PanicIf(err)

	defer vol.Unmount()

	dir, name := splitTargetPath(rootArguments.TargetPath)

	dnid, err := vol.Lookup(dir)
	log.PanicIf(err)

	defer vol.Put(dnid)

	nid, err := vol.CreateFile(dnid, name)
	log.PanicIf(err)

	n, err := vol.WriteFile(nid, data, 0)
	log.PanicIf(err)

	log.PanicIf(vol.FlushNode(nid))

	fmt.Printf("(%d) bytes written to %s\n", n, rootArguments.TargetPath)
}

func splitTargetPath(path string) (dir, name string) {
	i := len(path) - 1
	for i >= 0 && path[i] != '/' {
		i--
	}

	if i <= 0 {
		return "/", path[i+1:]
	}

	return path[:i], path[i+1:]
}
