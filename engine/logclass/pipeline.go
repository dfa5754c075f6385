package logclass

import (
	"context"
	"fmt"

	"github.com/clusterlens/streamcore/engine/domain"
	"github.com/clusterlens/streamcore/pkg/fn"
)

// Pipeline ties preprocessing, classification, and class-store persistence
// together: the unit the per-partition worker drives for the Log topic. The
// work runs as two traced fn.Stage steps, preprocess (which also loads the
// class set) and classify (which also persists it), and the chain
// short-circuits on the first error.
type Pipeline struct {
	classifier Classifier
	store      *ClassStore
	run        fn.Stage[classifyInput, domain.Class]
}

// NewPipeline builds a Pipeline over a classifier and its backing store.
func NewPipeline(classifier Classifier, store *ClassStore) *Pipeline {
	p := &Pipeline{classifier: classifier, store: store}
	p.run = fn.Then(
		fn.TracedStage("logclass.preprocess", p.preprocessStage),
		fn.TracedStage("logclass.classify", p.classifyStage),
	)
	return p
}

// containerKey is the class-store partition key: namespace/container
// pairs get independent template sets.
func containerKey(namespace, container string) string {
	return fmt.Sprintf("%s/%s", namespace, container)
}

// classifyInput bundles one Classify call's arguments into the single value
// an fn.Stage takes.
type classifyInput struct {
	tenant    string
	log       domain.LogRecord
	namespace string
	container string
	key       string
}

// preprocessed carries the tokenized record and its class-store key forward
// to the classify stage.
type preprocessed struct {
	tenant       string
	containerKey string
	record       domain.PreprocessedLogRecord
	classes      []domain.Class
}

func (p *Pipeline) preprocessStage(ctx context.Context, in classifyInput) fn.Result[preprocessed] {
	tokens := Preprocess(in.log.Message)
	rec := domain.PreprocessedLogRecord{
		LogRecord:           in.log,
		PreprocessedMessage: tokens,
		Length:              len(tokens),
		TenantID:            in.tenant,
		Key:                 in.key,
		Namespace:           in.namespace,
		Container:           in.container,
	}

	ck := containerKey(in.namespace, in.container)
	classes, err := p.store.GetOrCreate(ctx, in.tenant, ck)
	if err != nil {
		return fn.Err[preprocessed](err)
	}
	return fn.Ok(preprocessed{tenant: in.tenant, containerKey: ck, record: rec, classes: classes})
}

func (p *Pipeline) classifyStage(ctx context.Context, in preprocessed) fn.Result[domain.Class] {
	winner, updated := p.classifier.Classify(in.record, in.classes)
	if err := p.store.Put(ctx, in.tenant, in.containerKey, updated); err != nil {
		return fn.Err[domain.Class](err)
	}
	return fn.Ok(winner)
}

// Classify preprocesses a raw log line, assigns it to a class for
// (tenant, namespace, container), persists the updated class set, and
// returns the winning class.
func (p *Pipeline) Classify(ctx context.Context, tenant string, log domain.LogRecord, namespace, container, key string) (domain.Class, error) {
	result := p.run(ctx, classifyInput{tenant: tenant, log: log, namespace: namespace, container: container, key: key})
	return result.Unwrap()
}
