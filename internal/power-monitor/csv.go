package powermonitor

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// csvRow formats a summary as "time, voltage V, current mA, power mW, charge mAh, energy mWh, uptime s".
func csvRow(t time.Time, voltageV, currentMa, powerMw, chargeMah, energyMwh float32, uptimeS uint64) string {
	return fmt.Sprintf("%s, %.3f, %.3f, %.3f, %.3f, %.3f, %d",
		t.Format("2006-01-02 15:04:05"), voltageV, currentMa, powerMw, chargeMah, energyMwh, uptimeS)
}

func appendLine(filePath, line string) error {
	file, err := os.OpenFile(filePath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = file.WriteString(line + "\n")
	return err
}

// keepLastLines keeps the last `maxLines` lines of the specified file.
func keepLastLines(filePath string, maxLines int) error {
	file, err := os.Open(filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()

	var lines []string
	total := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		total++
		if len(lines) > maxLines {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if total <= maxLines {
		return nil
	}

	// Written next to the original so the rename stays on one filesystem.
	tmpFile := filepath.Join(filepath.Dir(filePath), "."+filepath.Base(filePath)+".tmp")
	content := ""
	if len(lines) > 0 {
		content = strings.Join(lines, "\n") + "\n"
	}
	if err := os.WriteFile(tmpFile, []byte(content), 0644); err != nil {
		return err
	}
	return os.Rename(tmpFile, filePath)
}
