package exfat

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jessevdk/go-flags"
)

// RepairPolicy decides, on encountering on-disk corruption, whether the
// mount should fix it, leave it alone, or ask an operator. Grounded on
// original_source/src/option.rs's ExfatRepair and exfat.rs's ask_to_fix_.
type RepairPolicy interface {
	// AskToFix is consulted once per detected inconsistency. A true result
	// means the caller should apply the fix and count it under
	// errorsFixed; false means leave the structure as-is.
	AskToFix(description string) bool
}

// RepairAlways fixes every inconsistency without prompting, matching
// exfatprogs' repair=yes.
type RepairAlways struct{}

func (RepairAlways) AskToFix(string) bool { return true }

// RepairNever leaves every inconsistency in place, matching repair=no (the
// default).
type RepairNever struct{}

func (RepairNever) AskToFix(string) bool { return false }

// RepairInteractive prompts an operator for each inconsistency, reading a
// Y/N answer from In (stdin if nil) the same way exfat.rs's ask_to_fix_
// reads a line and checks its first character. Matches repair=ask.
type RepairInteractive struct {
	In  io.Reader
	Out io.Writer
}

func (r RepairInteractive) AskToFix(description string) bool {
	in := r.In
	if in == nil {
		in = os.Stdin
	}

	out := r.Out
	if out == nil {
		out = os.Stdout
	}

	fmt.Fprintf(out, "%s. Fix (Y/N)? ", description)

	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		return false
	}

	answer := strings.TrimSpace(scanner.Text())

	return len(answer) > 0 && (answer[0] == 'y' || answer[0] == 'Y')
}

// Options holds parsed mount options. Field names and defaults mirror
// original_source/src/option.rs's ExfatOption, expressed as a go-flags
// struct the same way the cmd/ tools use go-flags for CLI argument
// parsing.
type Options struct {
	Mode     string `long:"mode" description:"open mode: rw, ro or any" default:"any"`
	Repair   string `long:"repair" description:"repair policy: yes, no or ask" default:"no"`
	NoATime  bool   `long:"noatime" description:"do not update access time on read"`
	DMask    uint32 `long:"dmask" description:"directory permission mask" default:"0022" base:"8"`
	FMask    uint32 `long:"fmask" description:"file permission mask" default:"0133" base:"8"`
	UID      uint32 `long:"uid" description:"owner uid reported by stat" default:"0"`
	GID      uint32 `long:"gid" description:"owner gid reported by stat" default:"0"`
	NidAlloc string `long:"nidalloc" description:"nid allocation strategy: linear or bitmap" default:"linear"`
	Debug    bool   `long:"debug" description:"enable verbose logging"`
}

// ParseOptions parses mount options given as go-flags long options, one per
// element of args (for example "--mode=ro", "--repair=yes", "--dmask=022";
// the masks are octal). Unknown options are ignored. Grounded on
// option.rs's parse_options.
func ParseOptions(args []string) (opt Options, err error) {
	opt = Options{
		Mode:     "any",
		Repair:   "no",
		DMask:    0022,
		FMask:    0133,
		NidAlloc: "linear",
	}

	parser := flags.NewParser(&opt, flags.IgnoreUnknown)

	_, err = parser.ParseArgs(args)
	if err != nil {
		return Options{}, wrapErr(KindInvalidArgument, "failed to parse mount options", err)
	}

	if opt.Mode != "rw" && opt.Mode != "ro" && opt.Mode != "any" {
		return Options{}, newErrf(KindInvalidArgument, "unknown mode: [%s]", opt.Mode)
	}

	if opt.Repair != "yes" && opt.Repair != "no" && opt.Repair != "ask" {
		return Options{}, newErrf(KindInvalidArgument, "unknown repair policy: [%s]", opt.Repair)
	}

	if opt.NidAlloc != "linear" && opt.NidAlloc != "bitmap" {
		return Options{}, newErrf(KindInvalidArgument, "unknown nid allocation strategy: [%s]", opt.NidAlloc)
	}

	return opt, nil
}

// openMode resolves the parsed Mode string to an OpenMode.
func (o Options) openMode() (OpenMode, error) {
	return ParseOpenMode(o.Mode)
}

// repairPolicy resolves the parsed Repair string to a RepairPolicy, with
// ask resolved to RepairInteractive reading from in/out (nil in defaults to
// os.Stdin, matching a CLI embedder that never overrides the prompt
// transport).
func (o Options) repairPolicy(in io.Reader, out io.Writer) RepairPolicy {
	switch o.Repair {
	case "yes":
		return RepairAlways{}
	case "ask":
		return RepairInteractive{In: in, Out: out}
	default:
		return RepairNever{}
	}
}
