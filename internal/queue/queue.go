package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrJobNotFound は存在しないジョブIDが指定された場合に返されます。
var ErrJobNotFound = errors.New("job not found")

// ErrJobProcessing は処理中ジョブの削除が要求された場合に返されます。
var ErrJobProcessing = errors.New("job is processing")

// Counts はキューから導出される件数情報です。
type Counts struct {
	Total      int `json:"total"`
	Done       int `json:"done"`
	Error      int `json:"error"`
	Processing int `json:"processing"`
	Unfinished int `json:"unfinished"` // pending + waiting + processing
}

// Queue は1セッション分のジョブ列を保持します。
// 挿入順が意味を持ち、ワーカーの取得順を定義します。
type Queue struct {
	mu    sync.RWMutex
	order []string
	jobs  map[string]*Job
	now   func() time.Time
}

// New は空のキューを作成します。
func New() *Queue {
	return &Queue{
		jobs: make(map[string]*Job),
		now:  time.Now,
	}
}

// Add は候補ファイルをジョブとして末尾に追加します。
// (DisplayName, ByteSize) が既存ジョブと重複する場合は追加せず false を返します。
func (q *Queue) Add(src *Source) (*Job, bool) {
	if src == nil {
		return nil, false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	key := dedupKey(src.Name, src.Size)
	for _, id := range q.order {
		j := q.jobs[id]
		if dedupKey(j.DisplayName, j.ByteSize) == key {
			return nil, false
		}
	}

	job := &Job{
		ID:          uuid.NewString(),
		DisplayName: src.Name,
		ByteSize:    src.Size,
		ContentType: src.ContentType,
		Status:      StatusPending,
		Source:      src,
		CreatedAt:   q.now(),
	}
	q.jobs[job.ID] = job
	q.order = append(q.order, job.ID)
	return cloneJob(job), true
}

// Get はジョブのスナップショットを返します。
func (q *Queue) Get(id string) (*Job, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, false
	}
	return cloneJob(job), true
}

// Jobs は挿入順の全ジョブのスナップショットを返します。
func (q *Queue) Jobs() []*Job {
	q.mu.RLock()
	defer q.mu.RUnlock()
	list := make([]*Job, 0, len(q.order))
	for _, id := range q.order {
		list = append(list, cloneJob(q.jobs[id]))
	}
	return list
}

// Counts は導出件数を返します。
func (q *Queue) Counts() Counts {
	q.mu.RLock()
	defer q.mu.RUnlock()

	c := Counts{Total: len(q.order)}
	for _, id := range q.order {
		switch q.jobs[id].Status {
		case StatusDone:
			c.Done++
		case StatusError:
			c.Error++
		case StatusProcessing:
			c.Processing++
			c.Unfinished++
		default:
			c.Unfinished++
		}
	}
	return c
}

// UnfinishedCount は pending + waiting + processing の件数を返します。
func (q *Queue) UnfinishedCount() int {
	return q.Counts().Unfinished
}

// MarkWaiting は全ての pending ジョブを waiting に遷移させ、
// 現在 waiting であるジョブIDを挿入順で返します。実行開始時に一度だけ呼ばれます。
// waiting / processing / 終端状態のジョブには影響しません。
func (q *Queue) MarkWaiting() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var snapshot []string
	for _, id := range q.order {
		job := q.jobs[id]
		if job.Status == StatusPending {
			job.Status = StatusWaiting
		}
		if job.Status == StatusWaiting {
			snapshot = append(snapshot, id)
		}
	}
	return snapshot
}

// Claim は waiting のジョブを processing に遷移させ、変換対象の Source を返します。
func (q *Queue) Claim(id string) (*Source, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if !isValidTransition(job.Status, StatusProcessing) {
		return nil, fmt.Errorf("invalid transition: %s -> %s", job.Status, StatusProcessing)
	}
	job.Status = StatusProcessing
	job.ErrorMessage = ""
	return job.Source, nil
}

// Finish は processing のジョブを done に遷移させ、成果物を保存します。
func (q *Queue) Finish(id string, result *Result) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if !isValidTransition(job.Status, StatusDone) {
		return fmt.Errorf("invalid transition: %s -> %s", job.Status, StatusDone)
	}
	job.Status = StatusDone
	job.Result = result
	job.ErrorMessage = ""
	return nil
}

// Fail は processing のジョブを error に遷移させ、分類済みメッセージを保存します。
func (q *Queue) Fail(id string, message string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if !isValidTransition(job.Status, StatusError) {
		return fmt.Errorf("invalid transition: %s -> %s", job.Status, StatusError)
	}
	job.Status = StatusError
	job.Result = nil
	job.ErrorMessage = message
	return nil
}

// Remove はジョブを削除します。processing 中のジョブは削除できません。
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status == StatusProcessing {
		return ErrJobProcessing
	}
	q.deleteLocked(id)
	return nil
}

// ClearCompleted は done のジョブを一括削除し、削除件数を返します。
func (q *Queue) ClearCompleted() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for _, id := range append([]string(nil), q.order...) {
		if q.jobs[id].Status == StatusDone {
			q.deleteLocked(id)
			removed++
		}
	}
	return removed
}

// Reset は状態に関わらず全ジョブを削除します。
// 実行中の破棄可否の判定は呼び出し側（スケジューラ側のガード）が行います。
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.order = nil
	q.jobs = make(map[string]*Job)
}

// DoneJobs は done のジョブを挿入順で返します。Result への参照を含みます。
func (q *Queue) DoneJobs() []*Job {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var list []*Job
	for _, id := range q.order {
		job := q.jobs[id]
		if job.Status == StatusDone {
			list = append(list, cloneJob(job))
		}
	}
	return list
}

func (q *Queue) deleteLocked(id string) {
	delete(q.jobs, id)
	for i, v := range q.order {
		if v == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

func dedupKey(name string, size int64) string {
	return fmt.Sprintf("%s:%d", name, size)
}

func cloneJob(j *Job) *Job {
	c := *j
	return &c
}
