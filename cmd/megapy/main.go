package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	mega "github.com/EdwinAlmendras/megapy"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
)

var log = logrus.New()

func usage() {
	fmt.Fprintf(os.Stderr, `usage: megapy [flags] <command> [args]

commands:
  ls <path>            list a folder
  tree <path>          print a subtree
  get <path> <dst>     download a file
  put <src> <path>     upload a file into a folder
  mkdir <path> <name>  create a folder
  rm <path>            move a node to the rubbish bin
  quota                show storage usage

flags:
`)
	flag.PrintDefaults()
}

func main() {
	var (
		email   = flag.String("email", os.Getenv("MEGA_EMAIL"), "account email")
		passwd  = flag.String("password", os.Getenv("MEGA_PASSWORD"), "account password")
		session = flag.String("session", "megapy", "session name for resume")
		baseDir = flag.String("base-dir", ".", "directory holding session files")
		verbose = flag.Bool("v", false, "debug logging")
	)
	flag.Usage = usage
	flag.Parse()

	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	store, err := mega.NewSQLiteSession(*session, *baseDir)
	if err != nil {
		log.Fatalf("open session store: %v", err)
	}
	defer store.Close()

	m := mega.New().UseStorage(store)
	m.SetLogger(log.Warnf)
	if *verbose {
		m.SetDebugger(log.Debugf)
	}

	// Resume the stored session when possible, fall back to a fresh
	// login.
	restored := false
	if ok, _ := store.Exists(); ok {
		if err := m.RestoreSession(); err != nil {
			log.Warnf("session resume failed: %v", err)
		} else {
			restored = true
		}
	}
	if !restored {
		if *email == "" || *passwd == "" {
			log.Fatal("no stored session; set -email and -password")
		}
		if err := m.Login(*email, *passwd); err != nil {
			log.Fatalf("login: %v", err)
		}
	}

	ctx := context.Background()

	if err := run(ctx, m, args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, m *mega.Mega, args []string) error {
	switch args[0] {
	case "ls":
		if len(args) != 2 {
			return fmt.Errorf("ls needs a path")
		}
		n, err := m.FS.ResolvePath(args[1])
		if err != nil {
			return err
		}
		children, err := m.FS.GetChildren(n)
		if err != nil {
			return err
		}
		for _, c := range children {
			kind := "-"
			if c.GetType() == mega.FOLDER {
				kind = "d"
			}
			fmt.Printf("%s %12d  %s\n", kind, c.GetSize(), c.GetName())
		}
		return nil

	case "tree":
		if len(args) != 2 {
			return fmt.Errorf("tree needs a path")
		}
		n, err := m.FS.ResolvePath(args[1])
		if err != nil {
			return err
		}
		return m.FS.PrintTree(os.Stdout, n, 16)

	case "get":
		if len(args) != 3 {
			return fmt.Errorf("get needs a path and a destination")
		}
		n, err := m.FS.ResolvePath(args[1])
		if err != nil {
			return err
		}
		bar := progressbar.DefaultBytes(n.GetSize(), "downloading")
		progress := make(chan int)
		done := make(chan struct{})
		go func() {
			for b := range progress {
				_ = bar.Add(b)
			}
			close(done)
		}()
		err = m.DownloadFile(ctx, n, args[2], &progress)
		<-done
		return err

	case "put":
		if len(args) != 3 {
			return fmt.Errorf("put needs a source file and a folder path")
		}
		parent, err := m.FS.ResolvePath(args[2])
		if err != nil {
			return err
		}
		info, err := os.Stat(args[1])
		if err != nil {
			return err
		}
		bar := progressbar.DefaultBytes(info.Size(), "uploading")
		node, err := m.UploadFileOpts(ctx, args[1], parent, mega.UploadOpts{
			Name: filepath.Base(args[1]),
		}, func(total, uploaded int64, totalChunks, uploadedChunks int) {
			_ = bar.Set64(uploaded)
		})
		if err != nil {
			return err
		}
		log.Infof("uploaded as %s", node.GetHash())
		return nil

	case "mkdir":
		if len(args) != 3 {
			return fmt.Errorf("mkdir needs a parent path and a name")
		}
		parent, err := m.FS.ResolvePath(args[1])
		if err != nil {
			return err
		}
		node, err := m.CreateDir(args[2], parent)
		if err != nil {
			return err
		}
		log.Infof("created %s", node.GetHash())
		return nil

	case "rm":
		if len(args) != 2 {
			return fmt.Errorf("rm needs a path")
		}
		n, err := m.FS.ResolvePath(args[1])
		if err != nil {
			return err
		}
		return m.Delete(n, false)

	case "quota":
		q, err := m.GetQuota()
		if err != nil {
			return err
		}
		fmt.Printf("used %d of %d bytes\n", q.Cstrg, q.Mstrg)
		return nil
	}

	return fmt.Errorf("unknown command %q", args[0])
}
