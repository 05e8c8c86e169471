package ivm

// recordingInput is a minimal Input used across this package's tests in
// place of a full Source/Builder wiring, for operators and graph/engine
// machinery that only need something satisfying the Input contract.
type recordingInput struct {
	baseOperator
	schema   SourceSchema
	fetchErr error
	pushErr  error
	pushes   []Change
}

func newRecordingInput(schema SourceSchema) *recordingInput {
	return &recordingInput{baseOperator: newBaseOperator(), schema: schema}
}

func (r *recordingInput) GetSchema() SourceSchema { return r.schema }
func (r *recordingInput) Destroy()                { r.destroyOnce(nil) }
func (r *recordingInput) Fetch(FetchRequest) (Stream[Node], error) {
	if r.fetchErr != nil {
		return nil, r.fetchErr
	}
	return EmptyStream[Node](), nil
}
func (r *recordingInput) Push(change Change) (Stream[struct{}], error) {
	if r.pushErr != nil {
		return nil, r.pushErr
	}
	r.pushes = append(r.pushes, change)
	return EmptyStream[struct{}](), nil
}
