/*
Package streamflow provides flow-controlled data pipes: readable and writable
stream endpoints connected through bounded, size-aware queues, plus the
composite algorithms that couple them.

# Overview

A ReadableStream pulls chunks from a producer-supplied Source; a
WritableStream pushes chunks into a consumer-supplied Sink. Both own a
controller with a sized FIFO queue and a high water mark; the signed desired
size (high water mark minus queued size) drives when the producer is asked
for more data and when writers are told to pause. All producer and consumer
callbacks are single-flight: a callback is never invoked while a previous
invocation on the same controller is unsettled.

# Core types

  - ReadableStream / Reader — pull endpoint with exclusive reader locking.
  - ReadableByteStream / BYOBReader — byte specialization handing zero-copy
    fill requests ([buffer.View] backed) to the producer.
  - WritableStream / Writer — push endpoint with a five-state lifecycle and
    a backpressure-ready signal.
  - TransformStream — a writable side feeding a readable side with
    propagated backpressure.

# Composition

  - PipeTo drains a readable into a writable, translating either side's
    termination into close/abort/cancel actions on the other, with a
    context acting as the external cancellation signal.
  - Tee forks one readable into two independent branches sharing a single
    in-flight read; the source is cancelled only once both branches cancel,
    with a composite reason.
  - Values exposes a lazy, single-pass iterator over a readable stream.

Backpressure is a signal, not a hard limit: writable streams accept writes
past the high water mark and rely on writers awaiting [Writer.Ready].
*/
package streamflow
