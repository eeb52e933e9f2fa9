package wal

import (
	"fmt"
	"io"
	"os"
)

// Dump prints a human-readable listing of every record in a WAL file.
// Operational aid for inspecting what a sink left behind.
func Dump(path string, out io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := newDecoder(f, true)
	for i := 0; ; i++ {
		rec, err := dec.decode()
		if err == io.EOF {
			return nil
		}
		if err == io.ErrUnexpectedEOF {
			fmt.Fprintf(out, "%6d  <torn record, end of usable data>\n", i)
			return nil
		}
		if err != nil {
			return err
		}
		kind := "ref"
		if rec.intro {
			kind = "intro"
		}
		flag := " "
		if rec.truncate {
			flag = "T"
		}
		fmt.Fprintf(out, "%6d  %-5s %s writer=%s ref=%d idx=%d term=%d len=%d\n",
			i, kind, flag, rec.writerID, rec.ref, rec.idx, rec.term, len(rec.entryData))
	}
}
