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
	Path               string `short:"p" long:"path" description:"Directory to create (use forward slashes)" required:"true"`
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

	opt, err := exfat.ParseOptions([]string{"--mode=rw", "--repair=yes"})
	log.PanicIf(err)

	vol, err := exfat.Mount(rootArguments.FilesystemFilepath, opt, nil, nil)
	log.PanicIf(err)

	defer vol.Unmount()

	dir := parentDir(rootArguments.Path)
	name := baseName(rootArguments.Path)

	dnid, err := vol.Lookup(dir)
	log.PanicIf(err)

	defer vol.Put(dnid)

	_, err = vol.Mkdir(dnid, name)
	log.PanicIf(err)

	fmt.Printf("Created directory: %s\n", rootArguments.Path)
}

func parentDir(path string) string {
	i := len(path) - 1
	for i >= 0 && path[i] != '/' {
		i--
	}

	if i <= 0 {
		return "/"
	}

	return path[:i]
}

func baseName(path string) string {
	i := len(path) - 1
	for i >= 0 && path[i] != '/' {
		i--
	}

	return path[i+1:]
}
