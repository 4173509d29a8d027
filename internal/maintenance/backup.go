package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tealeg/xlsx"

	"github.com/midastechnical/storefront-sync/internal/model"
	"github.com/midastechnical/storefront-sync/internal/obs"
)

const (
	backupPrefix     = "backup-"
	backupTimeLayout = "20060102-150405.000"
)

// Backup snapshots the product table and the sync run log into a new
// timestamped folder under BACKUP_DIR, then removes folders older than the
// retention period.
func (t *Tasks) Backup(ctx context.Context) error {
	dir, err := t.writeBackup(ctx)
	if err != nil {
		obs.Logger.Error("backup_failed", "err", err.Error())
		return err
	}
	obs.Logger.Info("backup_written", "dir", dir)
	removed, err := cleanupOldBackups(t.cfg.BackupDir, t.cfg.BackupRetention, t.now())
	if err != nil {
		return fmt.Errorf("backup rotation: %w", err)
	}
	if removed > 0 {
		obs.Logger.Info("backup_rotated", "removed", removed)
	}
	return nil
}

func (t *Tasks) writeBackup(ctx context.Context) (string, error) {
	products, err := t.products.List(ctx)
	if err != nil {
		return "", fmt.Errorf("list products: %w", err)
	}
	runs, err := t.runs.Recent(ctx, 0)
	if err != nil {
		return "", fmt.Errorf("read run log: %w", err)
	}

	dir, err := newBackupDir(t.cfg.BackupDir, t.now())
	if err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(dir, "products.json"), products); err != nil {
		return dir, err
	}
	if err := writeJSON(filepath.Join(dir, "runs.json"), runs); err != nil {
		return dir, err
	}
	if err := writeProductSheet(filepath.Join(dir, "products.xlsx"), products); err != nil {
		return dir, err
	}
	return dir, nil
}

// newBackupDir creates a folder that no earlier backup used. Folders are
// named by millisecond; a collision within the same millisecond gets a
// numeric suffix.
func newBackupDir(root string, now time.Time) (string, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return "", fmt.Errorf("create backup root: %w", err)
	}
	base := filepath.Join(root, backupPrefix+now.UTC().Format(backupTimeLayout))
	dir := base
	for n := 2; ; n++ {
		err := os.Mkdir(dir, 0o750)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, fs.ErrExist) || n > 100 {
			return "", fmt.Errorf("create backup dir: %w", err)
		}
		dir = fmt.Sprintf("%s-%d", base, n)
	}
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

var sheetHeaders = []string{"ID", "ExternalID", "SKU", "Name", "Price", "Stock", "Active", "UpdatedAt"}

// writeProductSheet writes the product table as a spreadsheet for the shop team.
func writeProductSheet(path string, products []model.Product) error {
	file := xlsx.NewFile()
	sheet, err := file.AddSheet("Products")
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	header := sheet.AddRow()
	for _, h := range sheetHeaders {
		header.AddCell().SetValue(h)
	}
	for _, p := range products {
		row := sheet.AddRow()
		row.AddCell().SetValue(p.ID)
		ext := ""
		if p.ExternalID != nil {
			ext = *p.ExternalID
		}
		row.AddCell().SetValue(ext)
		row.AddCell().SetValue(p.SKU)
		row.AddCell().SetValue(p.Name)
		row.AddCell().SetValue(p.Price.StringFixed(2))
		row.AddCell().SetInt64(p.StockQuantity)
		row.AddCell().SetBool(p.Active)
		row.AddCell().SetValue(p.UpdatedAt.UTC().Format(time.RFC3339))
	}
	if err := file.Save(path); err != nil {
		return fmt.Errorf("write products.xlsx: %w", err)
	}
	return nil
}

// cleanupOldBackups removes backup folders whose modification time is older
// than retention. Only folders this task created are considered.
func cleanupOldBackups(backupDir string, retention time.Duration, now time.Time) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-retention)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), backupPrefix) {
			continue
		}
		path := filepath.Join(backupDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			obs.Logger.Warn("backup_remove_failed", "dir", path, "err", err.Error())
			continue
		}
		obs.Logger.Info("backup_removed", "dir", path)
		removed++
	}
	return removed, nil
}
