package pc

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/codership/galera-sub001/id"
)

// PersistedView is what spec.md's gvwstate.dat holds: "line-oriented text
// containing {version, my_uuid, view_id, members[]}".
type PersistedView struct {
	Version uint8
	MyUUID  id.UUID
	View    id.ViewId
	Members []id.UUID
}

// WriteGvwstate atomically writes the persisted view, per spec.md: "On
// every V_PRIM delivery, PC serializes {my_uuid, view} to gvwstate.dat."
// Atomicity is via write-to-temp-then-rename, the standard idiom for
// crash-safe config/state files.
func WriteGvwstate(path string, pv PersistedView) error {
	var b strings.Builder
	fmt.Fprintf(&b, "version: %d\n", pv.Version)
	fmt.Fprintf(&b, "my_uuid: %s\n", pv.MyUUID)
	fmt.Fprintf(&b, "view_id: %s %s %d\n", pv.View.Type, pv.View.Rep, pv.View.Seq)
	for _, m := range pv.Members {
		fmt.Fprintf(&b, "member: %s\n", m)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("pc: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("pc: rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}

// ReadGvwstate loads a previously persisted view. A missing file is not
// an error; the caller should treat a zero PersistedView as "no prior
// state" (pc.recovery's file-not-found case).
func ReadGvwstate(path string) (PersistedView, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return PersistedView{}, false, nil
		}
		return PersistedView{}, false, err
	}
	defer f.Close()

	var pv PersistedView
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		key, val, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		switch key {
		case "version":
			v, err := strconv.ParseUint(val, 10, 8)
			if err != nil {
				return PersistedView{}, false, fmt.Errorf("pc: gvwstate version: %w", err)
			}
			pv.Version = uint8(v)
		case "my_uuid":
			u, err := id.FromString(val)
			if err != nil {
				return PersistedView{}, false, fmt.Errorf("pc: gvwstate my_uuid: %w", err)
			}
			pv.MyUUID = u
		case "view_id":
			fields := strings.Fields(val)
			if len(fields) != 3 {
				return PersistedView{}, false, fmt.Errorf("pc: gvwstate view_id malformed: %q", val)
			}
			rep, err := id.FromString(fields[1])
			if err != nil {
				return PersistedView{}, false, fmt.Errorf("pc: gvwstate view_id rep: %w", err)
			}
			seq, err := strconv.ParseUint(fields[2], 10, 32)
			if err != nil {
				return PersistedView{}, false, fmt.Errorf("pc: gvwstate view_id seq: %w", err)
			}
			pv.View = id.ViewId{Type: parseViewType(fields[0]), Rep: rep, Seq: uint32(seq)}
		case "member":
			u, err := id.FromString(val)
			if err != nil {
				return PersistedView{}, false, fmt.Errorf("pc: gvwstate member: %w", err)
			}
			pv.Members = append(pv.Members, u)
		}
	}
	if err := sc.Err(); err != nil {
		return PersistedView{}, false, err
	}
	return pv, true, nil
}

// RemoveGvwstate deletes the persisted view file, per spec.md: "removed
// on graceful PC close."
func RemoveGvwstate(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func parseViewType(s string) id.ViewType {
	switch s {
	case "TRANS":
		return id.ViewTrans
	case "REG":
		return id.ViewReg
	case "NON_PRIM":
		return id.ViewNonPrim
	case "PRIM":
		return id.ViewPrim
	default:
		return id.ViewNone
	}
}

// DefaultGvwstatePath joins a base directory with the canonical filename,
// a convenience for callers constructing Proto.
func DefaultGvwstatePath(dir string) string {
	return filepath.Join(dir, "gvwstate.dat")
}
