package condition

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Checklist and questionnaire statuses derived from stored rows.
const (
	StatusPending    = "Pending"
	StatusInProgress = "InProgress"
	StatusCompleted  = "Completed"
)

// GetChecklist aggregates the instance's checklist tasks on the stage.
func (s *SQLStore) GetChecklist(ctx context.Context, instanceID, stageID string) (ChecklistData, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT checklist_id, task_id, name, is_completed, completion_notes
		FROM checklist_tasks
		WHERE instance_id = ? AND stage_id = ?
		ORDER BY checklist_id, task_id
	`), instanceID, stageID)
	if err != nil {
		return ChecklistData{}, fmt.Errorf("failed to query checklist tasks: %w", err)
	}
	defer rows.Close()

	var data ChecklistData
	for rows.Next() {
		var (
			t     TaskStatus
			notes sql.NullString
		)
		if err := rows.Scan(&t.ChecklistID, &t.TaskID, &t.Name, &t.IsCompleted, &notes); err != nil {
			return ChecklistData{}, fmt.Errorf("failed to scan checklist task: %w", err)
		}
		t.CompletionNotes = notes.String
		data.Tasks = append(data.Tasks, t)
		data.TotalCount++
		if t.IsCompleted {
			data.CompletedCount++
		}
	}
	if err := rows.Err(); err != nil {
		return ChecklistData{}, fmt.Errorf("error iterating checklist tasks: %w", err)
	}

	data.Status = checklistStatus(data.CompletedCount, data.TotalCount)
	return data, nil
}

func checklistStatus(completed, total int) string {
	switch {
	case total == 0:
		return StatusPending
	case completed >= total:
		return StatusCompleted
	case completed > 0:
		return StatusInProgress
	default:
		return StatusPending
	}
}

// GetQuestionnaire aggregates the instance's questionnaire responses on
// the stage. Answers are keyed by questionnaire id, the score is the sum
// of scored responses.
func (s *SQLStore) GetQuestionnaire(ctx context.Context, instanceID, stageID string) (QuestionnaireData, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT questionnaire_id, status, total_score, answers_json
		FROM questionnaire_responses
		WHERE instance_id = ? AND stage_id = ?
		ORDER BY questionnaire_id
	`), instanceID, stageID)
	if err != nil {
		return QuestionnaireData{}, fmt.Errorf("failed to query questionnaire responses: %w", err)
	}
	defer rows.Close()

	data := QuestionnaireData{Answers: map[string]map[string]any{}}
	var (
		statuses []string
		total    float64
		scored   bool
	)
	for rows.Next() {
		var (
			id      string
			status  string
			score   sql.NullFloat64
			answers sql.NullString
		)
		if err := rows.Scan(&id, &status, &score, &answers); err != nil {
			return QuestionnaireData{}, fmt.Errorf("failed to scan questionnaire response: %w", err)
		}
		statuses = append(statuses, status)
		if score.Valid {
			total += score.Float64
			scored = true
		}
		decoded, err := decodeAnswers(answers)
		if err != nil {
			return QuestionnaireData{}, fmt.Errorf("questionnaire %s: %w", id, err)
		}
		data.Answers[id] = decoded
	}
	if err := rows.Err(); err != nil {
		return QuestionnaireData{}, fmt.Errorf("error iterating questionnaire responses: %w", err)
	}

	data.Status = questionnaireStatus(statuses)
	if scored {
		data.TotalScore = &total
	}
	return data, nil
}

// questionnaireStatus is Completed when every response is, otherwise the
// first status that is not.
func questionnaireStatus(statuses []string) string {
	if len(statuses) == 0 {
		return StatusPending
	}
	for _, st := range statuses {
		if !strings.EqualFold(st, StatusCompleted) {
			if st == "" {
				return StatusPending
			}
			return st
		}
	}
	return StatusCompleted
}

func decodeAnswers(raw sql.NullString) (map[string]any, error) {
	answers := map[string]any{}
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return answers, nil
	}
	if err := json.Unmarshal([]byte(raw.String), &answers); err != nil {
		return nil, fmt.Errorf("invalid answers JSON: %w", err)
	}
	return answers, nil
}

// GetAttachments counts the instance's live attachments on the stage.
func (s *SQLStore) GetAttachments(ctx context.Context, instanceID, stageID string) (AttachmentData, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT file_name, file_size
		FROM attachments
		WHERE instance_id = ? AND stage_id = ? AND is_deleted = FALSE
		ORDER BY file_name, id
	`), instanceID, stageID)
	if err != nil {
		return AttachmentData{}, fmt.Errorf("failed to query attachments: %w", err)
	}
	defer rows.Close()

	var data AttachmentData
	for rows.Next() {
		var (
			name string
			size int64
		)
		if err := rows.Scan(&name, &size); err != nil {
			return AttachmentData{}, fmt.Errorf("failed to scan attachment: %w", err)
		}
		data.FileCount++
		data.TotalSize += size
		data.FileNames = append(data.FileNames, name)
	}
	if err := rows.Err(); err != nil {
		return AttachmentData{}, fmt.Errorf("error iterating attachments: %w", err)
	}
	return data, nil
}

// GetFields returns the instance's dynamic fields. An unknown instance has
// no fields.
func (s *SQLStore) GetFields(ctx context.Context, instanceID, stageID string) (map[string]any, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT fields_json FROM workflow_instances WHERE id = ?
	`), instanceID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fields for instance %s: %w", instanceID, err)
	}
	return decodeFields(raw)
}
