// Copyright 2024 The Silica Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hashtable

const (
	kInitialBucketCntBits = 10
	kInitialBucketCnt     = 1 << kInitialBucketCntBits

	// load factor 3/4: grow when elemCnt reaches 75% of bucketCnt
	kLoadFactorNumerator   = 3
	kLoadFactorDenominator = 4

	// kMaxBucketCnt caps a single table at ~1 billion slots; needing
	// more is a resource-exhaustion failure, not a bigger allocation.
	kMaxBucketCntBits = 30
	kMaxBucketCnt     = 1 << kMaxBucketCntBits
)
