// Package types defines the shared data model for the CVFlow answering
// pipeline: queries, chunks, evidence, claims, confidence scores and the
// structured response envelope, plus the unified error taxonomy.
//
// 所有类型均为每次请求新建、用完即弃（Chunk 与 ConversationTurn 除外，
// 它们由外部子系统拥有，管道只读）。
package types
