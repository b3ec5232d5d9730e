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
	ExtractFilepath    string `short:"e" long:"extract-filepath" description:"File-path to extract (use forward slashes)" required:"true"`
	OutputFilepath     string `short:"o" long:"output-filepath" description:"File-path to write to ('-' for STDOUT)" required:"true"`
}

var (
	rootArguments = new(rootParameters)
)

// copyChunkSize bounds how much of the file is held in memory at once while
// streaming it out to the output file-path.
const copyChunkSize = 256 * 1024

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

	vol, err := exfat.Mount(rootArguments.FilesystemFilepath, opt, nil, nil)
	log.PanicIf(err)

	defer vol.Unmount()

	nid, err := vol.Lookup(rootArguments.ExtractFilepath)
	if err != nil {
		fmt.Printf("File not found.\n")
		os.Exit(2)
	}

	defer vol.Put(nid)

	var g *os.File

	if rootArguments.OutputFilepath == "-" {
		g = os.Stdout
	} else {
		var err error

		g, err = os.Create(rootArguments.OutputFilepath)
		log.PanicIf(err)

		defer func() {
			g.Close()
		}()
	}

	st := vol.Stat(nid)

	written, err := copyFile(vol, nid, g, st.ValidSize)
	log.PanicIf(err)

	if rootArguments.OutputFilepath != "-" {
		fmt.Printf("(%d) bytes written.\n", written)
	}
}

// copyFile streams size bytes of nid's data to w in fixed-size chunks via
// Volume.ReadFile.
func copyFile(vol *exfat.Volume, nid exfat.Nid, w *os.File, size uint64) (uint64, error) {
	buf := make([]byte, copyChunkSize)

	var written uint64

	for written < size {
		want := uint64(len(buf))
		if remaining := size - written; remaining < want {
			want = remaining
		}

		n, err := vol.ReadFile(nid, buf[:want], written)
		if err != nil {
			return written, err
		}

		if n == 0 {
			break
		}

		if _, err := w.Write(buf[:n]); err != nil {
			return written, err
		}

		written += uint64(n)
	}

	return written, nil
}
