package models

// Lesson is the owning record whose media fields this pipeline populates.
// The broader lesson lifecycle (course membership, publishing, access
// control) belongs to the external CRUD layer; the pipeline only ever
// touches DurationSeconds and MediaURL, keyed by LessonID.
type Lesson struct {
	// Keys
	PK string `dynamodbav:"pk"`
	SK string `dynamodbav:"sk"`

	// Attributes
	LessonID        string  `dynamodbav:"lesson_id" json:"lessonId"`
	CourseID        string  `dynamodbav:"course_id" json:"courseId"`
	Title           string  `dynamodbav:"title" json:"title"`
	Position        int     `dynamodbav:"position" json:"position"`
	DurationSeconds float64 `dynamodbav:"duration_seconds" json:"durationSeconds"`
	MediaURL        string  `dynamodbav:"media_url,omitempty" json:"mediaUrl,omitempty"`
	CreatedAt       string  `dynamodbav:"created_at" json:"createdAt"`
	UpdatedAt       string  `dynamodbav:"updated_at" json:"updatedAt"`
}

// Ready reports whether the lesson's media is playable. A non-zero duration
// with no media URL means processing is still in flight or failed.
func (l *Lesson) Ready() bool {
	return l.MediaURL != ""
}
