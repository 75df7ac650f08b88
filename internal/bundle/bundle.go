// Package bundle は変換済みジョブを1つのZIPアーカイブへまとめます。
package bundle

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/Lakyn80/covertor-webp-lukiora/internal/queue"
)

// ErrNoResults は done のジョブが1件もない場合に返されます。
var ErrNoResults = errors.New("no completed jobs to bundle")

// Build は done のジョブをキュー順でZIPに書き込み、アーカイブのバイト列を返します。
// 出力名が衝突した場合は後勝ち（キュー順で後のジョブの内容が残る）です。
// 読み取りは非破壊で、ジョブは done のまま残ります。
func Build(q *queue.Queue) ([]byte, error) {
	jobs := q.DoneJobs()
	if len(jobs) == 0 {
		return nil, ErrNoResults
	}

	// 後勝ちの重複解決。位置は最初の出現順を保つ。
	names := make([]string, 0, len(jobs))
	contents := make(map[string][]byte, len(jobs))
	for _, job := range jobs {
		if job.Result == nil {
			continue
		}
		name := job.Result.Name
		if name == "" {
			name = job.DisplayName + ".webp"
		}
		if _, seen := contents[name]; !seen {
			names = append(names, name)
		}
		contents[name] = job.Result.Data
	}
	if len(names) == 0 {
		return nil, ErrNoResults
	}

	buf := &bytes.Buffer{}
	zipWriter := zip.NewWriter(buf)
	for _, name := range names {
		// Modified を設定しないことで、同一内容なら常に同一のアーカイブになる
		writer, err := zipWriter.CreateHeader(&zip.FileHeader{
			Name:   name,
			Method: zip.Deflate,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create zip entry %s: %w", name, err)
		}
		if _, err := writer.Write(contents[name]); err != nil {
			return nil, fmt.Errorf("failed to write zip entry %s: %w", name, err)
		}
	}
	if err := zipWriter.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize zip: %w", err)
	}

	return buf.Bytes(), nil
}

// Filename はセッション時刻から決定的にアーカイブ名を生成します。
func Filename(now time.Time) string {
	return "webpify_" + now.UTC().Format("2006-01-02-15-04-05") + ".zip"
}
