package runner

import "github.com/albertocavalcante/sky/internal/model"

// Bucketize partitions tests (already in final scheduling order) into
// buckets sharing (project, file, repeatIndex, variation), per
// spec.md §4.1 step 8. Bucket order follows first appearance of each
// key in tests, and tests within a bucket preserve their relative
// order from the input.
func Bucketize(tests []*model.Test) []*model.Bucket {
	index := make(map[model.Key]*model.Bucket)
	var order []*model.Bucket

	for _, t := range tests {
		key := model.Key{
			Project:         t.Project.Name,
			File:            t.File,
			RepeatIndex:     t.RepeatIndex,
			VariationString: t.VariationString,
		}
		b, ok := index[key]
		if !ok {
			b = &model.Bucket{
				Project:         t.Project,
				File:            t.File,
				VariationIndex:  t.VariationIndex,
				VariationString: t.VariationString,
				RepeatIndex:     t.RepeatIndex,
			}
			index[key] = b
			order = append(order, b)
		}
		b.Tests = append(b.Tests, t)
	}

	return order
}

// RetryBucket synthesizes a single-test bucket for rescheduling, per
// the dispatcher's retry-to-front-of-queue policy.
func RetryBucket(t *model.Test) *model.Bucket {
	return &model.Bucket{
		Project:         t.Project,
		File:            t.File,
		VariationIndex:  t.VariationIndex,
		VariationString: t.VariationString,
		RepeatIndex:     t.RepeatIndex,
		Tests:           []*model.Test{t},
		Retry:           true,
	}
}

// RemainderBucket synthesizes a follow-up bucket from the tests a
// crashed or stopped worker never got to, per spec.md §4.2 step 4-5.
func RemainderBucket(original *model.Bucket, remaining []*model.Test) *model.Bucket {
	return &model.Bucket{
		Project:         original.Project,
		File:            original.File,
		VariationIndex:  original.VariationIndex,
		VariationString: original.VariationString,
		RepeatIndex:     original.RepeatIndex,
		Tests:           remaining,
	}
}
