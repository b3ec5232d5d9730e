package main

import (
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	"github.com/dsoprea/go-exfatfs"
)

type rootParameters struct {
	Filepath string `short:"f" long:"filepath" description:"File-path of exFAT filesystem" required:"true"`
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

	opt, err := exfat.ParseOptions([]string{"--mode=ro"})
	log.PanicIf(err)

	vol, err := exfat.Mount(rootArguments.Filepath, opt, nil, nil)
	log.PanicIf(err)

	defer vol.Unmount()

	vol.DumpBootSector()
}
