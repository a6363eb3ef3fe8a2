package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/antra-tess/connectome-adapters/internal/config"
)

// Archive layout: config/<file>, index/<db files>, attachments/<type>/<id>/<file>.
const (
	archiveConfig      = "config"
	archiveIndex       = "index"
	archiveAttachments = "attachments"
)

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up or restore the config, attachment index and stored files",
	}
	cmd.AddCommand(backupCreateCmd(), backupRestoreCmd())
	return cmd
}

// backupPaths resolves what a backup covers for the given config file.
type backupPaths struct {
	config     string
	index      string
	storageDir string
}

func resolveBackupPaths(cfgPath string) backupPaths {
	p := backupPaths{config: cfgPath}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}
	p.index = config.ExpandPath(cfg.Attachments.IndexPath)
	p.storageDir = config.ExpandPath(cfg.Attachments.StorageDir)
	return p
}

func backupCreateCmd() *cobra.Command {
	var outputPath string
	var withFiles bool

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a .tar.gz backup",
		Long: `Creates a compressed archive with the config file and the attachment
index. Pass --with-files to include the downloaded attachments.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := resolveBackupPaths(resolveConfigPath())
			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("connectome-backup-%s.tar.gz", ts))
			}

			entries, err := collectBackupEntries(paths, withFiles)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("no files to back up (config: %s, index: %s)", paths.config, paths.index)
			}
			if err := createTarGz(outputPath, entries); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			var total int64
			for _, e := range entries {
				if info, err := os.Stat(e.src); err == nil {
					total += info.Size()
				}
			}
			fmt.Printf("Backup created: %s\n", outputPath)
			fmt.Printf("Files included: %d (%s)\n", len(entries), humanSize(total))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file (default: ~/.connectome/backups/connectome-backup-<timestamp>.tar.gz)")
	cmd.Flags().BoolVar(&withFiles, "with-files", false, "include downloaded attachment files")
	return cmd
}

func backupRestoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <file.tar.gz>",
		Short: "Restore from a backup archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := resolveBackupPaths(resolveConfigPath())

			if !force {
				for _, p := range []string{paths.config, paths.index} {
					if _, err := os.Stat(p); err == nil {
						fmt.Printf("WARNING: This will overwrite existing data.\n")
						fmt.Printf("  Config: %s\n", paths.config)
						fmt.Printf("  Index:  %s\n", paths.index)
						return fmt.Errorf("restore aborted (use --force to proceed)")
					}
				}
			}

			restored, err := extractTarGz(args[0], paths)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			fmt.Printf("Restore completed from: %s\n", args[0])
			fmt.Printf("Files restored: %d\n", len(restored))
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

type backupEntry struct {
	src  string
	name string // slash-separated name inside the archive
}

func collectBackupEntries(p backupPaths, withFiles bool) ([]backupEntry, error) {
	var entries []backupEntry
	if _, err := os.Stat(p.config); err == nil {
		entries = append(entries, backupEntry{p.config, path.Join(archiveConfig, filepath.Base(p.config))})
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if _, err := os.Stat(p.index + suffix); err == nil {
			entries = append(entries, backupEntry{p.index + suffix, path.Join(archiveIndex, filepath.Base(p.index) + suffix)})
		}
	}
	if !withFiles {
		return entries, nil
	}
	err := filepath.WalkDir(p.storageDir, func(src string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(p.storageDir, src)
		if err != nil {
			return err
		}
		entries = append(entries, backupEntry{src, path.Join(archiveAttachments, filepath.ToSlash(rel))})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk attachment storage: %w", err)
	}
	return entries, nil
}

// createTarGz creates a .tar.gz archive from the given entries.
func createTarGz(outputPath string, entries []backupEntry) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	for _, e := range entries {
		if err := addFileToTar(tarWriter, e); err != nil {
			return fmt.Errorf("add %s: %w", e.src, err)
		}
	}
	return nil
}

func addFileToTar(tw *tar.Writer, e backupEntry) error {
	file, err := os.Open(e.src)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = e.name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

// restoreTarget maps an archive entry to its destination, or "" for entries
// that are unknown or escape their directory.
func restoreTarget(name string, p backupPaths) string {
	name = path.Clean(name)
	section, rest, ok := strings.Cut(name, "/")
	if !ok || rest == "" || rest == "." || strings.HasPrefix(rest, "../") || rest == ".." {
		return ""
	}
	switch section {
	case archiveConfig:
		return p.config
	case archiveIndex:
		for _, suffix := range []string{"-wal", "-shm"} {
			if strings.HasSuffix(rest, suffix) {
				return p.index + suffix
			}
		}
		return p.index
	case archiveAttachments:
		return filepath.Join(p.storageDir, filepath.FromSlash(rest))
	}
	return ""
}

// extractTarGz restores archive entries into the locations p names.
func extractTarGz(archivePath string, p backupPaths) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		target := restoreTarget(header.Name, p)
		if target == "" {
			continue
		}
		if err := writeRestored(target, tarReader); err != nil {
			return nil, err
		}
		restored = append(restored, target)
	}
	return restored, nil
}

func writeRestored(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", target, err)
	}
	return out.Close()
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
