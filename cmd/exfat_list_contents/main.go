package main

import (
	"fmt"
	"os"

	"path/filepath"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"

	"github.com/dsoprea/go-exfatfs"
)

type rootParameters struct {
	Filepath       string `short:"f" long:"filepath" description:"File-path of exFAT filesystem" required:"true"`
	FilenameFilter string `short:"p" long:"pattern" description:"Filename filter"`
	ShowDetail     bool   `short:"d" long:"detail" description:"Show additional entry detail"`
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

	err = walk(vol, exfat.NidRoot, "", func(nid exfat.Nid, currentFilepath, name string) {
		if rootArguments.FilenameFilter != "" {
			isMatched, err := filepath.Match(rootArguments.FilenameFilter, name)
			log.PanicIf(err)

			if isMatched != true {
				return
			}
		}

		st := vol.Stat(nid)

		if rootArguments.ShowDetail == true {
			fmt.Printf("## %s\n", currentFilepath)
			fmt.Printf("\n")

			fmt.Printf("[Entry]\n")
			fmt.Printf("\n")

			fmt.Printf("IsDir: [%v]\n", st.IsDir)
			fmt.Printf("Size: (%d)\n", st.Size)
			fmt.Printf("ValidSize: (%d)\n", st.ValidSize)
			fmt.Printf("Mode: (%#o)\n", st.Mode)
			fmt.Printf("LastModifiedTimestamp: [%s]\n", vol.ModifiedTime(nid))

			fmt.Printf("\n")
		} else {
			fmt.Printf("%15s %30s %s\n", humanize.Comma(int64(st.ValidSize)), vol.ModifiedTime(nid), currentFilepath)
		}
	})
	log.PanicIf(err)
}

// walk visits every descendant of dnid in on-disk order, calling visit with
// each node's nid, its forward-slash-separated path from the root, and its
// bare name.
func walk(vol *exfat.Volume, dnid exfat.Nid, prefix string, visit func(nid exfat.Nid, currentFilepath, name string)) error {
	c, err := vol.OpenDir(dnid)
	if err != nil {
		return err
	}

	defer vol.CloseDir(c)

	for {
		nid, err := c.Next()
		if err != nil {
			break
		}

		name := vol.Name(nid)
		currentFilepath := prefix + "/" + name

		visit(nid, currentFilepath, name)

		if vol.Stat(nid).IsDir {
			if err := walk(vol, nid, currentFilepath, visit); err != nil {
				return err
			}
		}
	}

	return nil
}
